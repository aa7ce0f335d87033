// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatcar/update-engine/update/partition"
)

func TestParsePayloadType(t *testing.T) {
	for _, typ := range []PayloadType{PayloadUnknown, PayloadFull, PayloadDelta} {
		parsed, err := ParsePayloadType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	parsed, err := ParsePayloadType("Delta")
	require.NoError(t, err)
	assert.Equal(t, PayloadDelta, parsed)
	parsed, err = ParsePayloadType("")
	require.NoError(t, err)
	assert.Equal(t, PayloadUnknown, parsed)

	_, err = ParsePayloadType("partial")
	assert.Error(t, err)
}

func TestNewInstallPlan(t *testing.T) {
	a, b := NewInstallPlan(), NewInstallPlan()
	assert.NotEmpty(t, a.SessionID)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, partition.InvalidSlot, a.SourceSlot)
	assert.Equal(t, partition.InvalidSlot, a.TargetSlot)
}

func TestLoadPartitionsFromSlots(t *testing.T) {
	bc, err := partition.NewStatic(partition.Config{
		Partitions: map[string]partition.SlotDevices{
			"root":   {Slots: []string{"/dev/sda3", "/dev/sda4"}, ECC: []string{"/dev/sda3-ecc"}},
			"kernel": {Slots: []string{"/dev/sda1", "/dev/sda2"}},
		},
	})
	require.NoError(t, err)

	plan := NewInstallPlan()
	plan.SourceSlot = 0
	plan.TargetSlot = 1
	plan.Partitions = []Partition{
		{Name: "root", SourceSize: 4096},
		{Name: "kernel", SourceSize: 4096},
	}
	require.NoError(t, plan.LoadPartitionsFromSlots(bc))

	root, kernel := plan.Partitions[0], plan.Partitions[1]
	assert.Equal(t, "/dev/sda3", root.SourcePath)
	assert.Equal(t, "/dev/sda3-ecc", root.SourceECCPath)
	assert.Equal(t, "/dev/sda4", root.TargetPath)
	assert.Equal(t, "/dev/sda1", kernel.SourcePath)
	assert.Empty(t, kernel.SourceECCPath)
	assert.Equal(t, "/dev/sda2", kernel.TargetPath)

	t.Run("full payload", func(t *testing.T) {
		plan.Partitions[0].SourceSize = 0
		require.NoError(t, plan.LoadPartitionsFromSlots(bc))
		assert.Empty(t, plan.Partitions[0].SourcePath)
		assert.Equal(t, "/dev/sda4", plan.Partitions[0].TargetPath)
	})

	t.Run("no target slot", func(t *testing.T) {
		plan.TargetSlot = partition.InvalidSlot
		require.NoError(t, plan.LoadPartitionsFromSlots(bc))
		assert.Empty(t, plan.Partitions[0].TargetPath)
		assert.Empty(t, plan.Partitions[1].TargetPath)
	})

	t.Run("unknown partition", func(t *testing.T) {
		plan.TargetSlot = 1
		plan.Partitions = append(plan.Partitions, Partition{Name: "oem"})
		err := plan.LoadPartitionsFromSlots(bc)
		assert.ErrorIs(t, err, partition.ErrUnknownPartition)
	})
}
