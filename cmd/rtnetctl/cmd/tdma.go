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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rtnetgo/rtnet/rtioctl"
)

var (
	slotID      uint16
	slotOffset  time.Duration
	slotPhasing uint16
	slotPeriod  uint16
	slotMTU     uint16
	slotJoint   uint16
)

func init() {
	tdmaCmd.AddCommand(tdmaSlotsCmd)
	tdmaCmd.AddCommand(tdmaAddSlotCmd)
	RootCmd.AddCommand(tdmaCmd)

	tdmaAddSlotCmd.Flags().Uint16Var(&slotID, "id", 0, "slot id")
	tdmaAddSlotCmd.Flags().DurationVar(&slotOffset, "offset", 0, "offset from cycle start")
	tdmaAddSlotCmd.Flags().Uint16Var(&slotPhasing, "phasing", 0, "initial cycle phasing")
	tdmaAddSlotCmd.Flags().Uint16Var(&slotPeriod, "period", 1, "slot repeats every N cycles")
	tdmaAddSlotCmd.Flags().Uint16Var(&slotMTU, "mtu", 1500, "maximum frame bytes in this slot")
	tdmaAddSlotCmd.Flags().Uint16Var(&slotJoint, "joint", 0, "share the transmit queue of this slot id")
}

var tdmaCmd = &cobra.Command{
	Use:   "tdma",
	Short: "TDMA master/slave discipline controls",
}

var tdmaAddSlotCmd = &cobra.Command{
	Use:   "add-slot <device>",
	Short: "add or replace a schedule slot on device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		body := binary.BigEndian.AppendUint16(nil, slotID)
		body = binary.BigEndian.AppendUint64(body, uint64(slotOffset))
		body = binary.BigEndian.AppendUint16(body, slotPhasing)
		body = binary.BigEndian.AppendUint16(body, slotPeriod)
		body = binary.BigEndian.AppendUint16(body, slotMTU)
		body = binary.BigEndian.AppendUint16(body, slotJoint)
		if _, err := c.Do(rtioctl.ReqTDMAAddSlot, args[0], body); err != nil {
			log.Fatal(err)
		}
	},
}

var tdmaSlotsCmd = &cobra.Command{
	Use:   "slots <device>",
	Short: "print the slot table attached to device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		resp, err := c.Do(rtioctl.ReqTDMASlots, args[0], nil)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(resp))
	},
}
