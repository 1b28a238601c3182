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

// Command rtnetd is the real-time networking daemon: it loads an
// rtconfig file, brings up the configured devices, attaches their TDMA
// disciplines, starts any RTcfg server/client roles, and serves the
// rtioctl administrative socket and Prometheus metrics until signalled to
// stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rtnetgo/rtnet/rtconfig"
	"github.com/rtnetgo/rtnet/rtnetd"
)

func main() {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "rtnetd",
		Short: "real-time Ethernet networking daemon (rtskb/RTmac/TDMA/RTcfg)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/rtnetd.yaml", "path to the daemon configuration file")
	root.Flags().StringVar(&logLevel, "loglevel", "", "override the config file's log level (debug, info, warning, error)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, logLevelOverride string) error {
	cfg, err := rtconfig.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	applyLogLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.WithField("signal", s).Warn("rtnetd: graceful shutdown")
		cancel()
	}()

	d := rtnetd.New(cfg)
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning", "":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("rtnetd: unrecognized log level: %s", level)
	}
}
