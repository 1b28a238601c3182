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
	"net"
	"os"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtioctl"
)

func init() {
	RootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <device>",
	Short: "print a device's admin state, MTU and hardware address",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()

		resp, err := c.Do(rtioctl.ReqIfInfo, args[0], nil)
		if err != nil {
			log.Fatal(err)
		}
		if len(resp) < 8 {
			log.Fatal("rtnetctl: malformed status response")
		}
		flags := binary.BigEndian.Uint32(resp[0:4])
		mtu := binary.BigEndian.Uint32(resp[4:8])
		hwAddr := net.HardwareAddr(resp[8:])

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"device", "up", "mtu", "hwaddr"})
		table.Append([]string{
			args[0],
			fmt.Sprintf("%v", flags&rtdev.FlagUp != 0),
			fmt.Sprintf("%d", mtu),
			hwAddr.String(),
		})
		table.Render()
	},
}
