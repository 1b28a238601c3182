/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"encoding/binary"
	"encoding/hex"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rtnetgo/rtnet/rtioctl"
)

var (
	rtcfgHeartbeatMS uint16
	rtcfgTimeoutMS   uint32
	rtcfgStationMAC  string
	rtcfgStationIP   string
	rtcfgBurstrate   uint8
	rtcfgStage1Hex   string
)

func init() {
	rtcfgCmd.AddCommand(rtcfgServerCmd)
	rtcfgCmd.AddCommand(rtcfgAddStationCmd)
	rtcfgCmd.AddCommand(rtcfgClientCmd)
	rtcfgCmd.AddCommand(rtcfgReadyCmd)
	rtcfgCmd.AddCommand(rtcfgWaitCmd)
	rtcfgCmd.AddCommand(rtcfgAnnounceCmd)
	RootCmd.AddCommand(rtcfgCmd)

	rtcfgServerCmd.Flags().Uint16Var(&rtcfgHeartbeatMS, "heartbeat-ms", 1000, "heartbeat period in milliseconds")
	rtcfgWaitCmd.Flags().Uint32Var(&rtcfgTimeoutMS, "timeout-ms", 10000, "how long to wait before giving up")
	rtcfgAnnounceCmd.Flags().Uint32Var(&rtcfgTimeoutMS, "timeout-ms", 10000, "how long to wait before giving up")

	rtcfgAddStationCmd.Flags().StringVar(&rtcfgStationMAC, "mac", "", "station hardware address")
	rtcfgAddStationCmd.Flags().StringVar(&rtcfgStationIP, "ip", "", "station IP address (optional)")
	rtcfgAddStationCmd.Flags().Uint8Var(&rtcfgBurstrate, "burstrate", 1, "stage-1 frames sent per heartbeat cycle")
	rtcfgAddStationCmd.Flags().StringVar(&rtcfgStage1Hex, "stage1", "", "stage-1 payload, hex-encoded")
	if err := rtcfgAddStationCmd.MarkFlagRequired("mac"); err != nil {
		log.Fatal(err)
	}
}

var rtcfgCmd = &cobra.Command{
	Use:   "rtcfg",
	Short: "RTcfg configuration-distribution controls",
}

var rtcfgServerCmd = &cobra.Command{
	Use:   "server <device>",
	Short: "check that device runs an RTcfg server role from the config file (none is created at runtime; --heartbeat-ms is not applied)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		body := binary.BigEndian.AppendUint16(nil, rtcfgHeartbeatMS)
		if _, err := c.Do(rtioctl.ReqRTcfgServer, args[0], body); err != nil {
			log.Fatal(err)
		}
	},
}

var rtcfgAddStationCmd = &cobra.Command{
	Use:   "add-station <device>",
	Short: "register a station's hardware address, IP and stage-1 payload",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mac, err := net.ParseMAC(rtcfgStationMAC)
		if err != nil {
			log.Fatalf("bad --mac: %v", err)
		}
		stage1, err := hex.DecodeString(rtcfgStage1Hex)
		if err != nil {
			log.Fatalf("bad --stage1: %v", err)
		}

		code := rtioctl.ReqRTcfgAddMAC
		var ip net.IP
		if rtcfgStationIP != "" {
			ip = net.ParseIP(rtcfgStationIP).To4()
			if ip == nil {
				log.Fatalf("bad --ip: %s", rtcfgStationIP)
			}
			code = rtioctl.ReqRTcfgAddIPMAC
		}

		body := append([]byte{}, mac...)
		if ip != nil {
			body = append(body, 1)
			body = append(body, ip...)
		} else {
			body = append(body, 0, 0, 0, 0, 0)
		}
		body = append(body, rtcfgBurstrate)
		body = binary.BigEndian.AppendUint16(body, uint16(len(stage1)))
		body = append(body, stage1...)

		c := dial()
		defer c.Close()
		if _, err := c.Do(code, args[0], body); err != nil {
			log.Fatal(err)
		}
	},
}

var rtcfgClientCmd = &cobra.Command{
	Use:   "client <device>",
	Short: "start the RTcfg client state machine on device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		if _, err := c.Do(rtioctl.ReqRTcfgClient, args[0], nil); err != nil {
			log.Fatal(err)
		}
	},
}

var rtcfgWaitCmd = &cobra.Command{
	Use:   "wait <device>",
	Short: "block until every registered station has acknowledged its configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		body := binary.BigEndian.AppendUint32(nil, rtcfgTimeoutMS)
		resp, err := c.Do(rtioctl.ReqRTcfgWait, args[0], body)
		if err != nil {
			log.Fatal(err)
		}
		if len(resp) >= 8 {
			log.Infof("%d/%d stations configured",
				binary.BigEndian.Uint32(resp[0:4]), binary.BigEndian.Uint32(resp[4:8]))
		}
	},
}

var rtcfgAnnounceCmd = &cobra.Command{
	Use:   "announce <device>",
	Short: "block until this station received stage-1 and announced itself, then print the payload",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		body := binary.BigEndian.AppendUint32(nil, rtcfgTimeoutMS)
		resp, err := c.Do(rtioctl.ReqRTcfgAnnounce, args[0], body)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("stage-1 payload: %s", hex.EncodeToString(resp))
	},
}

var rtcfgReadyCmd = &cobra.Command{
	Use:   "ready <device>",
	Short: "announce that this station finished applying its stage-2 configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		if _, err := c.Do(rtioctl.ReqRTcfgReady, args[0], nil); err != nil {
			log.Fatal(err)
		}
	},
}
