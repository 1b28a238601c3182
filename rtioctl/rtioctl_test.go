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

package rtioctl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtnet "github.com/rtnetgo/rtnet"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer()
	// Accept whatever uid the test runs under; root keeps the default
	// root-only check.
	s.RequireUID = uint32(os.Getuid())

	path := filepath.Join(t.TempDir(), "rtnetd-test.sock")
	require.NoError(t, s.Listen(path))
	go func() { _ = s.Serve() }()
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRequestResponseRoundTrip(t *testing.T) {
	s, path := startTestServer(t)
	s.Register(ReqIfInfo, func(hdr Header, payload []byte) ([]byte, error) {
		assert.Equal(t, "rteth0", hdr.Name())
		return append([]byte("dev="), payload...), nil
	})

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Do(ReqIfInfo, "rteth0", []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, []byte("dev=body"), resp)
}

func TestHandlerErrorTranslatesToSentinel(t *testing.T) {
	s, path := startTestServer(t)
	s.Register(ReqIfDown, func(hdr Header, payload []byte) ([]byte, error) {
		return nil, rtnet.ErrNoDev
	})

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Do(ReqIfDown, "missing0", nil)
	assert.ErrorIs(t, err, rtnet.ErrNoDev)
}

func TestUnknownRequestCodeFails(t *testing.T) {
	_, path := startTestServer(t)

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Do(ReqTDMASlots, "rteth0", nil)
	assert.Error(t, err)
}

func TestHeaderNameTruncatesAndTrims(t *testing.T) {
	var h Header
	h.SetIfName("rteth0")
	assert.Equal(t, "rteth0", h.Name())

	h.SetIfName("a-very-long-interface-name-that-overflows")
	assert.Len(t, h.Name(), ifNameSize)
}

func TestSubsystemRouting(t *testing.T) {
	assert.Equal(t, subsysCore, subsystem(ReqIfUp))
	assert.Equal(t, subsysRTcfg, subsystem(ReqRTcfgAddIPMAC))
	assert.Equal(t, subsysTDMA, subsystem(ReqTDMAAddSlot))
}
