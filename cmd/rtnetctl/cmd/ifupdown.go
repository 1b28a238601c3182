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
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rtnetgo/rtnet/rtioctl"
)

func init() {
	RootCmd.AddCommand(ifupCmd)
	RootCmd.AddCommand(ifdownCmd)
}

var ifupCmd = &cobra.Command{
	Use:   "ifup <device>",
	Short: "bring a registered device up",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		if _, err := c.Do(rtioctl.ReqIfUp, args[0], nil); err != nil {
			log.Fatal(err)
		}
	},
}

var ifdownCmd = &cobra.Command{
	Use:   "ifdown <device>",
	Short: "bring a registered device down",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := dial()
		defer c.Close()
		if _, err := c.Do(rtioctl.ReqIfDown, args[0], nil); err != nil {
			log.Fatal(err)
		}
	},
}
