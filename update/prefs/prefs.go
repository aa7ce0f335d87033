// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package prefs stores the small pieces of state the update engine keeps
// between runs. Values are strings; integers and booleans are stored in
// their decimal and "true"/"false" text forms.
package prefs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Keys used by the update engine.
const (
	UpdateStateNextOperation        = "update-state-next-operation"
	UpdateStateNextDataOffset       = "update-state-next-data-offset"
	UpdateStateNextDataLength       = "update-state-next-data-length"
	UpdateStateSHA256Context        = "update-state-sha-256-context"
	UpdateStateSignedSHA256Context  = "update-state-signed-sha-256-context"
	UpdateStateSignatureBlob        = "update-state-signature-blob"
	ManifestMetadataSize            = "manifest-metadata-size"
	ManifestSignatureSize           = "manifest-signature-size"
	ResumedUpdateFailures           = "resumed-update-failures"
	DynamicPartitionMetadataUpdated = "dynamic-partition-metadata-updated"
	UpdateCheckResponseHash         = "update-check-response-hash"
	PostInstallSucceeded            = "post-install-succeeded"
	VerityWritten                   = "verity-written"
)

var ErrNotFound = errors.New("pref not set")

// Prefs is a string keyed store.
type Prefs interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
	Exists(key string) bool
	Delete(key string) error
}

// GetInt64 reads an integer pref.
func GetInt64(p Prefs, key string) (int64, error) {
	s, err := p.GetString(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pref %s: %w", key, err)
	}
	return v, nil
}

func SetInt64(p Prefs, key string, value int64) error {
	return p.SetString(key, strconv.FormatInt(value, 10))
}

// GetBool reads a boolean pref.
func GetBool(p Prefs, key string) (bool, error) {
	s, err := p.GetString(key)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("pref %s: not a boolean: %q", key, s)
}

func SetBool(p Prefs, key string, value bool) error {
	return p.SetString(key, strconv.FormatBool(value))
}

// Memory is a Prefs kept in memory, for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) GetString(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys lists the stored keys.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}
