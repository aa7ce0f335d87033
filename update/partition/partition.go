// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package partition maps partition names and slots to device paths.
package partition

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"gopkg.in/yaml.v3"
)

// Slot selects one copy of an A/B partition set.
type Slot uint32

const InvalidSlot Slot = math.MaxUint32

func (s Slot) String() string {
	if s == InvalidSlot {
		return "INVALID"
	}
	if s < 26 {
		return string(rune('A' + s))
	}
	return fmt.Sprintf("%d", uint32(s))
}

var (
	plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update/partition")

	ErrUnknownPartition = errors.New("unknown partition")
	ErrNoECC            = errors.New("no error corrected device")
	ErrGroupTooSmall    = errors.New("partitions exceed group size")
)

// Info is the size a dynamic partition should have after the update.
type Info struct {
	Name string
	Size uint64
}

// Group is a dynamic partition group with a size budget.
type Group struct {
	Name       string
	Size       uint64
	Partitions []Info
}

// Metadata describes dynamic partitions for one slot.
type Metadata struct {
	Groups []Group
}

// Validate checks that every group fits its partitions.
func (m *Metadata) Validate() error {
	for _, g := range m.Groups {
		var total uint64
		for _, p := range g.Partitions {
			if total+p.Size < total {
				return fmt.Errorf("group %s: size overflow", g.Name)
			}
			total += p.Size
		}
		if g.Size != 0 && total > g.Size {
			return fmt.Errorf("%w: group %s needs %d of %d bytes", ErrGroupTooSmall, g.Name, total, g.Size)
		}
	}
	return nil
}

// BootControl resolves partition devices for slots.
type BootControl interface {
	NumSlots() uint32
	CurrentSlot() Slot
	// PartitionDevice returns the device path of a partition in a slot.
	PartitionDevice(name string, slot Slot) (string, error)
	// ECCPartitionDevice returns an error corrected view of the partition
	// or ErrNoECC.
	ECCPartitionDevice(name string, slot Slot) (string, error)
	// InitPartitionMetadata prepares dynamic partitions of slot. When
	// updateMetadata is false the existing layout is kept.
	InitPartitionMetadata(slot Slot, metadata *Metadata, updateMetadata bool) error
}

// Config is the YAML form of a static slot table.
type Config struct {
	CurrentSlot uint32                 `yaml:"current_slot"`
	Partitions  map[string]SlotDevices `yaml:"partitions"`
}

// SlotDevices lists one device per slot, and optionally ECC devices.
type SlotDevices struct {
	Slots []string `yaml:"slots"`
	ECC   []string `yaml:"ecc,omitempty"`
}

// Static is a BootControl backed by a fixed table of paths.
type Static struct {
	mu       sync.Mutex
	cfg      Config
	numSlots uint32
	applied  map[Slot]*Metadata
}

func NewStatic(cfg Config) (*Static, error) {
	s := &Static{cfg: cfg, applied: make(map[Slot]*Metadata)}
	for name, devs := range cfg.Partitions {
		if len(devs.Slots) == 0 {
			return nil, fmt.Errorf("partition %s has no slots", name)
		}
		if len(devs.ECC) > len(devs.Slots) {
			return nil, fmt.Errorf("partition %s has more ECC devices than slots", name)
		}
		if n := uint32(len(devs.Slots)); n > s.numSlots {
			s.numSlots = n
		}
	}
	if len(cfg.Partitions) > 0 && cfg.CurrentSlot >= s.numSlots {
		return nil, fmt.Errorf("current slot %d out of range", cfg.CurrentSlot)
	}
	return s, nil
}

// ParseStatic reads a slot table from YAML.
func ParseStatic(data []byte) (*Static, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing slot table: %w", err)
	}
	return NewStatic(cfg)
}

// LoadStatic reads a slot table from a YAML file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseStatic(data)
}

func (s *Static) NumSlots() uint32 { return s.numSlots }

func (s *Static) CurrentSlot() Slot { return Slot(s.cfg.CurrentSlot) }

func (s *Static) PartitionDevice(name string, slot Slot) (string, error) {
	devs, ok := s.cfg.Partitions[name]
	if !ok || int(slot) >= len(devs.Slots) || devs.Slots[slot] == "" {
		return "", fmt.Errorf("%w: %s in slot %s", ErrUnknownPartition, name, slot)
	}
	return devs.Slots[slot], nil
}

func (s *Static) ECCPartitionDevice(name string, slot Slot) (string, error) {
	devs, ok := s.cfg.Partitions[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPartition, name)
	}
	if int(slot) >= len(devs.ECC) || devs.ECC[slot] == "" {
		return "", fmt.Errorf("%w: %s in slot %s", ErrNoECC, name, slot)
	}
	return devs.ECC[slot], nil
}

// InitPartitionMetadata validates the layout and records it. Static
// devices cannot be resized so partitions must already exist.
func (s *Static) InitPartitionMetadata(slot Slot, metadata *Metadata, updateMetadata bool) error {
	if !updateMetadata {
		plog.Infof("keeping existing partition metadata for slot %s", slot)
		return nil
	}
	if err := metadata.Validate(); err != nil {
		return err
	}
	for _, g := range metadata.Groups {
		for _, p := range g.Partitions {
			if _, err := s.PartitionDevice(p.Name, slot); err != nil {
				return err
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[slot] = metadata
	plog.Infof("initialized partition metadata for slot %s: %d groups", slot, len(metadata.Groups))
	return nil
}

// AppliedMetadata returns what InitPartitionMetadata last recorded for slot.
func (s *Static) AppliedMetadata(slot Slot) *Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[slot]
}
