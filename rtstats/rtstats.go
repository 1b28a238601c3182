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

// Package rtstats exports rtskb pool occupancy, device up/down state,
// and RTcfg/TDMA protocol counters as Prometheus metrics: a registry of
// gauges and counters that cmd/rtnetd refreshes on a timer and serves
// over HTTP.
package rtstats

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtskb"
)

// Exporter owns a dedicated Prometheus registry and the gauges/counters
// it refreshes from the live rtskb/rtdev/rtcfg/tdma state. The protocol
// counters carry a device label; the protocol packages report into them
// through the per-package stats interfaces Exporter satisfies
// (rtcfg.Stats, tdma.Stats, the rtmac/rtdev drop hooks).
type Exporter struct {
	registry *prometheus.Registry

	poolsCurrent   prometheus.Gauge
	poolsMax       prometheus.Gauge
	buffersCurrent prometheus.Gauge
	buffersMax     prometheus.Gauge
	devicesUp      prometheus.Gauge
	protocolDrops  *prometheus.CounterVec
	stage1Sent     *prometheus.CounterVec
	deadStations   *prometheus.CounterVec
	calibrations   *prometheus.CounterVec

	devices *rtdev.Registry
}

// New builds an Exporter registered under its own prometheus.Registry
// (not the global default) so multiple rtnet daemons on one host don't
// collide on :9090/metrics.
func New(devices *rtdev.Registry) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		devices:  devices,
		poolsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtnet_rtskb_pools", Help: "Number of live rtskb pools.",
		}),
		poolsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtnet_rtskb_pools_max", Help: "Peak number of live rtskb pools.",
		}),
		buffersCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtnet_rtskb_buffers", Help: "Number of preallocated rtskb buffers across all pools.",
		}),
		buffersMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtnet_rtskb_buffers_max", Help: "Peak number of preallocated rtskb buffers.",
		}),
		devicesUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtnet_devices_up", Help: "Number of registered devices currently up.",
		}),
		protocolDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtnet_protocol_violations_total", Help: "Frames dropped for malformed or unexpected protocol state.",
		}, []string{"device"}),
		stage1Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtnet_rtcfg_stage1_sent_total", Help: "STAGE_1_CFG frames sent by an rtcfg server.",
		}, []string{"device"}),
		deadStations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtnet_rtcfg_dead_stations_total", Help: "DEAD_STATION frames broadcast for missed heartbeats.",
		}, []string{"device"}),
		calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtnet_tdma_calibrations_total", Help: "Successful TDMA REQ_CAL/REPLY_CAL round trips.",
		}, []string{"device"}),
	}
	e.registry.MustRegister(
		e.poolsCurrent, e.poolsMax, e.buffersCurrent, e.buffersMax,
		e.devicesUp, e.protocolDrops, e.stage1Sent, e.deadStations, e.calibrations,
	)
	return e
}

// ProtocolViolation increments device's protocol-violation counter;
// called from the rtcfg/rtmac/rtdev/tdma frame-drop paths.
func (e *Exporter) ProtocolViolation(device string) {
	e.protocolDrops.WithLabelValues(device).Inc()
}

// Stage1Sent increments device's stage-1-frames-sent counter.
func (e *Exporter) Stage1Sent(device string) {
	e.stage1Sent.WithLabelValues(device).Inc()
}

// DeadStation increments device's dead-station counter.
func (e *Exporter) DeadStation(device string) {
	e.deadStations.WithLabelValues(device).Inc()
}

// Calibration increments device's successful-calibration counter.
func (e *Exporter) Calibration(device string) {
	e.calibrations.WithLabelValues(device).Inc()
}

// refresh pulls a fresh snapshot from rtskb's package-wide counters and
// the device registry, mirroring how tdma_proc_read/rtskb_proc_read
// compute their numbers lazily on read rather than maintaining a push
// model.
func (e *Exporter) refresh() {
	st := rtskb.GlobalStats()
	e.poolsCurrent.Set(float64(st.Pools))
	e.poolsMax.Set(float64(st.PoolsMax))
	e.buffersCurrent.Set(float64(st.Buffers))
	e.buffersMax.Set(float64(st.BuffersMax))

	if e.devices == nil {
		return
	}
	devs := e.devices.All()
	up := 0
	for _, d := range devs {
		if d.IsUp() {
			up++
		}
		rtdev.Dereference(d)
	}
	e.devicesUp.Set(float64(up))
}

// Run refreshes the gauges every interval until ctx is done, mirroring
// the PrometheusExporter.scrapeMetrics loop.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.refresh()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Serve blocks serving /metrics on addr, in the style of
// PrometheusExporter.Start.
func (e *Exporter) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.WithField("addr", addr).Info("rtstats: serving metrics")
	return http.ListenAndServe(addr, mux)
}

// Addr formats a listen address from a bare port.
func Addr(port int) string { return fmt.Sprintf(":%d", port) }
