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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsLowestFreeIfindex(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register("rteth0", nil, 1500)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Ifindex())

	b, err := r.Register("rteth1", nil, 1500)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Ifindex())

	r.Deregister(a)
	c, err := r.Register("rteth2", nil, 1500)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Ifindex())
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("rteth0", nil, 1500)
	require.NoError(t, err)
	_, err = r.Register("rteth0", nil, 1500)
	assert.Error(t, err)
}

func TestGetByIndexAndNameChargeReference(t *testing.T) {
	r := NewRegistry()
	d, err := r.Register("rteth0", nil, 1500)
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.RefCount())

	h := r.GetByIndex(d.Ifindex())
	require.NotNil(t, h)
	assert.EqualValues(t, 2, d.RefCount())

	h2 := r.GetByName("rteth0")
	require.NotNil(t, h2)
	assert.EqualValues(t, 3, d.RefCount())

	Dereference(h)
	Dereference(h2)
	assert.EqualValues(t, 1, d.RefCount())
}

func TestGetByIndexOutOfRangeReturnsNil(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.GetByIndex(0))
	assert.Nil(t, r.GetByIndex(MaxDevices+1))
}
