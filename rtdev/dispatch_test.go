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

package rtdev

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtnetgo/rtnet/rtskb"
)

func TestDispatcherRoutesByEthertype(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(ctx)

	pool := rtskb.NewPool("test", rtskb.RoleGlobal, 256)
	pool.Extend(4)

	got := make(chan uint16, 1)
	d.AddPack(0x9021, func(b *rtskb.Buffer, dev *Device) {
		got <- b.Protocol
		rtskb.Free(b)
	})

	b, err := pool.Alloc(256)
	require.NoError(t, err)
	b.Protocol = 0x9021
	d.NetifRx(b, nil)

	select {
	case p := <-got:
		assert.EqualValues(t, 0x9021, p)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestDispatcherDropsUnknownEthertype(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(ctx)

	pool := rtskb.NewPool("test", rtskb.RoleGlobal, 256)
	pool.Extend(1)

	b, err := pool.Alloc(256)
	require.NoError(t, err)
	b.Protocol = 0xBEEF
	d.NetifRx(b, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pool.Len())
}

func TestRemovePackBusyWhileInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(ctx)

	release := make(chan struct{})
	entered := make(chan struct{})
	d.AddPack(1, func(b *rtskb.Buffer, dev *Device) {
		close(entered)
		<-release
	})

	pool := rtskb.NewPool("test", rtskb.RoleGlobal, 64)
	pool.Extend(1)
	b, _ := pool.Alloc(64)
	b.Protocol = 1
	d.NetifRx(b, nil)

	<-entered
	assert.Error(t, d.RemovePack(1))
	close(release)
}
