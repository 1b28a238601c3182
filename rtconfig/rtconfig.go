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

// Package rtconfig loads the YAML configuration file cmd/rtnetd reads at
// startup: the device list, the TDMA slot schedule, and the RTcfg
// connection list and stage-2 file paths.
package rtconfig

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// DeviceConfig describes one real-time network device to bring up at
// daemon start.
type DeviceConfig struct {
	Name        string `yaml:"name"`
	HWAddr      string `yaml:"hwaddr"`
	MTU         int    `yaml:"mtu"`
	LocalIP     string `yaml:"local_ip"`
	BroadcastIP string `yaml:"broadcast_ip"`
}

// SlotConfig describes one TDMA schedule slot, mirroring the
// RTMAC_RTIOC_ADD_SLOT ioctl's payload.
type SlotConfig struct {
	ID        uint16        `yaml:"id"`
	Offset    time.Duration `yaml:"offset"`
	Phasing   int           `yaml:"phasing"`
	Period    int           `yaml:"period"`
	MTU       int           `yaml:"mtu"`
	JointWith uint16        `yaml:"joint_with"`
}

// TDMAConfig describes one device's TDMA discipline schedule.
type TDMAConfig struct {
	Interface     string        `yaml:"interface"`
	CyclePeriod   time.Duration `yaml:"cycle_period"`
	Master        bool          `yaml:"master"`
	BackupMaster  bool          `yaml:"backup_master"`
	BackupSyncInc time.Duration `yaml:"backup_sync_increment"`
	Slots         []SlotConfig  `yaml:"slots"`
}

// StationConfig describes one expected RTcfg client, identified by MAC
// (and optionally IP), along with the stage-1/stage-2 payloads the
// server sends it.
type StationConfig struct {
	IP         string `yaml:"ip,omitempty"`
	MAC        string `yaml:"mac"`
	Stage1Hex  string `yaml:"stage1_hex,omitempty"`
	Stage2File string `yaml:"stage2_file,omitempty"`
	Burstrate  uint8  `yaml:"burstrate"`
}

// RTcfgConfig describes this station's configuration-distribution role.
type RTcfgConfig struct {
	Interface       string          `yaml:"interface"`
	Server          bool            `yaml:"server"`
	HeartbeatPeriod time.Duration   `yaml:"heartbeat_period"`
	Stations        []StationConfig `yaml:"stations"`
}

// Config is the full daemon configuration file cmd/rtnetd loads with
// --config. It is read once at startup; there is no hot-reload path.
type Config struct {
	LogLevel      string        `yaml:"log_level"`
	ControlSocket string        `yaml:"control_socket"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	MetricsPeriod time.Duration `yaml:"metrics_period"`
	Checked       bool          `yaml:"checked"`

	Devices []DeviceConfig `yaml:"devices"`
	TDMA    []TDMAConfig   `yaml:"tdma"`
	RTcfg   []RTcfgConfig  `yaml:"rtcfg"`
}

// Default returns the Config that Load overlays a --config file onto,
// mirroring main.go's "Set reasonable defaults" comment in cmd/ptp4u.
func Default() *Config {
	return &Config{
		LogLevel:      "warning",
		ControlSocket: "/var/run/rtnetd.sock",
		MetricsAddr:   ":9090",
		MetricsPeriod: 10 * time.Second,
	}
}

// Load reads and parses path, overlaying it onto Default().
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rtconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("rtconfig: parsing %s: %w", path, err)
	}
	return c, nil
}
