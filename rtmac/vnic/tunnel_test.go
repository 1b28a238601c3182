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

package vnic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtmac"
	"github.com/rtnetgo/rtnet/rtmac/tdma"
	"github.com/rtnetgo/rtnet/rtskb"
)

func newAttachedStation(t *testing.T) (*tdma.Station, *rtdev.Device) {
	reg := rtdev.NewRegistry()
	dev, err := reg.Register("rteth-vnic-test", nil, 1500)
	require.NoError(t, err)
	st := tdma.New(tdma.Config{
		Name:        "vnic-test-station",
		CyclePeriod: 10 * time.Millisecond,
		Slots: []tdma.Slot{
			{ID: tdma.DefaultSlot, MTU: 1500},
			{ID: tdma.DefaultNRTSlot, MTU: 1500},
		},
	})
	_, err = rtmac.Attach(dev, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rtmac.Detach(dev) })
	return st, dev
}

func TestAttachRejectsDisciplineWithoutNRTHook(t *testing.T) {
	_, err := Attach(nil, noopDiscipline{})
	assert.Error(t, err)
}

type noopDiscipline struct{}

func (noopDiscipline) Name() string                   { return "noop" }
func (noopDiscipline) DiscType() uint16               { return 0 }
func (noopDiscipline) Attach(dev *rtdev.Device) error { return nil }
func (noopDiscipline) Detach(dev *rtdev.Device) error { return nil }
func (noopDiscipline) PacketRx(b *rtskb.Buffer) error { return nil }

func TestTransmitWrapsPayloadIntoNRTSlot(t *testing.T) {
	st, dev := newAttachedStation(t)
	tun, err := Attach(dev, st)
	require.NoError(t, err)
	defer tun.Close()

	pool := rtskb.NewPool("vnic-tx-test", rtskb.RoleGlobal, 1500)
	pool.Extend(1)

	require.NoError(t, tun.Transmit(pool, 0x08, []byte("hello")))
}

func TestDeliverThenReadRoundTrips(t *testing.T) {
	st, dev := newAttachedStation(t)
	tun, err := Attach(dev, st)
	require.NoError(t, err)
	defer tun.Close()

	pool := rtskb.NewPool("vnic-rx-test", rtskb.RoleGlobal, 256)
	pool.Extend(1)
	b, err := pool.Alloc(256)
	require.NoError(t, err)
	copy(b.Put(5), []byte("world"))

	require.NoError(t, tun.Deliver(b, 0x08))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := tun.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got.Data()))
	assert.EqualValues(t, 0x08, got.Protocol)
}

func TestDeliverDropsAfterClose(t *testing.T) {
	st, dev := newAttachedStation(t)
	tun, err := Attach(dev, st)
	require.NoError(t, err)
	require.NoError(t, tun.Close())

	pool := rtskb.NewPool("vnic-closed-test", rtskb.RoleGlobal, 256)
	pool.Extend(1)
	b, err := pool.Alloc(256)
	require.NoError(t, err)

	require.NoError(t, tun.Deliver(b, 0x08))
}
