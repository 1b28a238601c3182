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

package rtstats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPerDeviceCountersIncrementIndependently(t *testing.T) {
	e := New(nil)

	e.ProtocolViolation("rteth0")
	e.ProtocolViolation("rteth0")
	e.ProtocolViolation("rteth1")
	e.Stage1Sent("rteth0")
	e.DeadStation("rteth0")
	e.Calibration("rteth1")

	assert.Equal(t, 2.0, testutil.ToFloat64(e.protocolDrops.WithLabelValues("rteth0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.protocolDrops.WithLabelValues("rteth1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.stage1Sent.WithLabelValues("rteth0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.deadStations.WithLabelValues("rteth0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.calibrations.WithLabelValues("rteth1")))
}

func TestRefreshPublishesPoolGauges(t *testing.T) {
	e := New(nil)
	e.refresh()
	assert.GreaterOrEqual(t, testutil.ToFloat64(e.poolsCurrent), 0.0)
}
