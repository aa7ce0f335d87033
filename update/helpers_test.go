// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"

	"github.com/flatcar/update-engine/update/blockdev"
	"github.com/flatcar/update-engine/update/extent"
	"github.com/flatcar/update-engine/update/generator"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/partition"
	"github.com/flatcar/update-engine/update/prefs"
)

const bs = generator.BlockSize

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func writePublicKey(t *testing.T, key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "update-payload-key.pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0644))
	return path
}

func sha(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}

// filled returns one block per value, each block filled with that value.
func filled(values ...byte) []byte {
	var b []byte
	for _, v := range values {
		b = append(b, bytes.Repeat([]byte{v}, bs)...)
	}
	return b
}

func randomBlocks(seed int64, n int) []byte {
	b := make([]byte, n*bs)
	mrand.New(mrand.NewSource(seed)).Read(b)
	return b
}

func block(b []byte, i int) []byte {
	return b[i*bs : (i+1)*bs]
}

func info(image []byte) *metadata.PartitionInfo {
	return &metadata.PartitionInfo{Size: proto.Uint64(uint64(len(image))), Hash: sha(image)}
}

// testDevice never really closes so a device can be reopened by a
// later performer.
type testDevice struct {
	*blockdev.Memory
}

func (testDevice) Close() error { return nil }

// testSetup is a two slot system of in-memory partitions. Slot A is the
// source and slot B the target.
type testSetup struct {
	t       *testing.T
	devices map[string]*blockdev.Memory
	slots   partition.Config
	prefs   *prefs.Memory
	bc      *partition.Static
}

func newTestSetup(t *testing.T) *testSetup {
	return &testSetup{
		t:       t,
		devices: make(map[string]*blockdev.Memory),
		slots:   partition.Config{Partitions: make(map[string]partition.SlotDevices)},
		prefs:   prefs.NewMemory(),
	}
}

func (s *testSetup) addPartition(name string, source, target []byte) {
	s.devices[name+"-a"] = blockdev.NewMemory(append([]byte(nil), source...))
	s.devices[name+"-b"] = blockdev.NewMemory(append([]byte(nil), target...))
	s.slots.Partitions[name] = partition.SlotDevices{Slots: []string{name + "-a", name + "-b"}}
}

func (s *testSetup) addECC(name string, data []byte) {
	devs := s.slots.Partitions[name]
	devs.ECC = []string{name + "-a-ecc"}
	s.slots.Partitions[name] = devs
	s.devices[name+"-a-ecc"] = blockdev.NewMemory(append([]byte(nil), data...))
}

func (s *testSetup) open(path string, flag int) (blockdev.RangeDevice, error) {
	m, ok := s.devices[path]
	if !ok {
		return nil, fmt.Errorf("no device %q", path)
	}
	return testDevice{m}, nil
}

func (s *testSetup) target(name string) []byte {
	return s.devices[name+"-b"].Bytes()
}

func (s *testSetup) plan(payload []byte) *InstallPlan {
	plan := NewInstallPlan()
	plan.SourceSlot = 0
	plan.TargetSlot = 1
	plan.Payloads = []Payload{{Size: uint64(len(payload))}}
	return plan
}

func (s *testSetup) performer(plan *InstallPlan, cfg Config) *Performer {
	if s.bc == nil {
		bc, err := partition.NewStatic(s.slots)
		require.NoError(s.t, err)
		s.bc = bc
	}
	cfg.BootControl = s.bc
	cfg.Prefs = s.prefs
	cfg.Open = s.open
	return NewPerformer(plan, &plan.Payloads[0], cfg)
}

// apply feeds payload to a new performer in chunks of chunk bytes and
// closes it.
func (s *testSetup) apply(plan *InstallPlan, cfg Config, payload []byte, chunk int) (*Performer, error) {
	p := s.performer(plan, cfg)
	if chunk <= 0 {
		chunk = len(payload)
	}
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		if _, err := p.Write(payload[off:end]); err != nil {
			p.Close()
			return p, err
		}
	}
	return p, p.Close()
}

func op(typ metadata.InstallOperation_Type, src, dst []*metadata.Extent) *metadata.InstallOperation {
	return &metadata.InstallOperation{
		Type:       typ.Enum(),
		SrcExtents: src,
		DstExtents: dst,
	}
}

func extents(pairs ...uint64) []*metadata.Extent {
	var out []*metadata.Extent
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, extent.New(pairs[i], pairs[i+1]))
	}
	return out
}

func generate(t *testing.T, g *generator.Generator, parts ...*generator.Partition) *generator.Result {
	for _, p := range parts {
		require.NoError(t, g.Partition(p))
	}
	result, err := g.Payload()
	require.NoError(t, err)
	return result
}

// rawPayload wraps a hand built manifest in a payload header.
func rawPayload(t *testing.T, version uint64, manifest *metadata.DeltaArchiveManifest, data []byte) []byte {
	mb, err := metadata.Marshal(manifest)
	require.NoError(t, err)
	payload := metadata.AppendHeader(nil, &metadata.DeltaArchiveHeader{
		Version:      version,
		ManifestSize: uint64(len(mb)),
	})
	payload = append(payload, mb...)
	return append(payload, data...)
}
