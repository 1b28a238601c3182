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

// RootCmd is the main entry point, exported so rtnetctl could be extended
// without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "rtnetctl",
	Short: "administrative client for rtnetd",
}

var socketPath string

func init() {
	RootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/rtnetd.sock", "rtnetd control socket path")
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// dial connects to the configured control socket, exiting the process on
// failure the way every subcommand here treats a dead daemon.
func dial() *rtioctl.Client {
	c, err := rtioctl.Dial(socketPath)
	if err != nil {
		log.Fatalf("connecting to %s: %v", socketPath, err)
	}
	return c
}
