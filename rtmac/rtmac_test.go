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

package rtmac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtskb"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: Version, Flags: FlagTunnel, Type: 7}
	buf := make([]byte, HeaderLen)
	n := h.Encode(buf)
	assert.Equal(t, HeaderLen, n)

	got, ok := DecodeHeader(buf)
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.True(t, got.Tunneled())
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, ok := DecodeHeader([]byte{0x10})
	assert.False(t, ok)
}

type fakeDiscipline struct {
	name     string
	discType uint16
	attached bool
	rx       []*rtskb.Buffer
}

func (f *fakeDiscipline) Name() string     { return f.name }
func (f *fakeDiscipline) DiscType() uint16 { return f.discType }
func (f *fakeDiscipline) Attach(dev *rtdev.Device) error {
	f.attached = true
	return nil
}
func (f *fakeDiscipline) Detach(dev *rtdev.Device) error {
	f.attached = false
	return nil
}
func (f *fakeDiscipline) PacketRx(b *rtskb.Buffer) error {
	f.rx = append(f.rx, b)
	return nil
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	d1 := &fakeDiscipline{name: "dup-test-disc"}
	d2 := &fakeDiscipline{name: "dup-test-disc"}
	require.NoError(t, Register(d1))
	defer Deregister(d1)
	assert.Error(t, Register(d2))
}

func newTestDevice(t *testing.T) *rtdev.Device {
	reg := rtdev.NewRegistry()
	dev, err := reg.Register("rteth-mac-test", nil, 1500)
	require.NoError(t, err)
	return dev
}

func TestAttachCallsDisciplineAndRejectsSecondAttach(t *testing.T) {
	dev := newTestDevice(t)
	disc := &fakeDiscipline{name: "tdma-attach-test", discType: 3}

	_, err := Attach(dev, disc, nil)
	require.NoError(t, err)
	assert.True(t, disc.attached)

	disc2 := &fakeDiscipline{name: "tdma-attach-test-2", discType: 4}
	_, err = Attach(dev, disc2, nil)
	assert.Error(t, err)
}

func TestDetachRestoresState(t *testing.T) {
	dev := newTestDevice(t)
	disc := &fakeDiscipline{name: "tdma-detach-test", discType: 3}

	_, err := Attach(dev, disc, nil)
	require.NoError(t, err)

	require.NoError(t, Detach(dev))
	assert.False(t, disc.attached)
	assert.Nil(t, dev.Discipline)
}

func TestRxRoutesToDisciplineByType(t *testing.T) {
	dev := newTestDevice(t)
	disc := &fakeDiscipline{name: "tdma-rx-test", discType: 9}
	_, err := Attach(dev, disc, nil)
	require.NoError(t, err)

	pool := rtskb.NewPool("rx-test", rtskb.RoleGlobal, 256)
	pool.Extend(1)
	b, err := pool.Alloc(256)
	require.NoError(t, err)

	hdr := Header{Version: Version, Type: 9}
	hdr.Encode(b.Put(HeaderLen))
	copy(b.Put(3), []byte("abc"))

	Rx(b, dev, nil)
	require.Len(t, disc.rx, 1)
	assert.Equal(t, "abc", string(disc.rx[0].Data()))
}

func TestRxDropsOnTypeMismatch(t *testing.T) {
	dev := newTestDevice(t)
	disc := &fakeDiscipline{name: "tdma-rx-mismatch-test", discType: 9}
	_, err := Attach(dev, disc, nil)
	require.NoError(t, err)

	pool := rtskb.NewPool("rx-mismatch-test", rtskb.RoleGlobal, 256)
	pool.Extend(1)
	b, err := pool.Alloc(256)
	require.NoError(t, err)
	hdr := Header{Version: Version, Type: 2}
	hdr.Encode(b.Put(HeaderLen))

	Rx(b, dev, nil)
	assert.Empty(t, disc.rx)
}

func TestRxCountsDropsViaStatsHook(t *testing.T) {
	defer SetStatsHook(nil)
	var drops int
	SetStatsHook(func(string) { drops++ })

	dev := newTestDevice(t)
	pool := rtskb.NewPool("rx-short-test", rtskb.RoleGlobal, 64)
	pool.Extend(1)
	b, err := pool.Alloc(64)
	require.NoError(t, err)
	b.Put(1) // shorter than the RTmac header

	Rx(b, dev, nil)
	assert.Equal(t, 1, drops)
}

func TestRxTunnelFlagInvokesTunnelRx(t *testing.T) {
	dev := newTestDevice(t)

	pool := rtskb.NewPool("rx-tunnel-test", rtskb.RoleGlobal, 256)
	pool.Extend(1)
	b, err := pool.Alloc(256)
	require.NoError(t, err)
	hdr := Header{Version: Version, Flags: FlagTunnel, Type: 0x0800} // inner IP
	hdr.Encode(b.Put(HeaderLen))

	var gotType uint16
	Rx(b, dev, func(b *rtskb.Buffer, innerType uint16) error {
		gotType = innerType
		return nil
	})
	assert.EqualValues(t, 0x0800, gotType)
}
