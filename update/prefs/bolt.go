// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package prefs

import (
	"fmt"
	"time"

	"github.com/coreos/pkg/capnslog"
	bolt "go.etcd.io/bbolt"
)

var (
	plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update/prefs")

	bucketName = []byte("prefs")
)

// Bolt is a Prefs persisted in a bbolt database. Every Set is its own
// transaction so a crash never loses an acknowledged write.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening prefs %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing prefs %s: %w", path, err)
	}
	plog.Debugf("opened prefs database %s", path)
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) GetString(key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		v, ok := lookup(tx, key)
		if !ok {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		// v is only valid during the transaction.
		value = string(v)
		return nil
	})
	return value, err
}

// lookup uses a cursor so empty values are told apart from missing keys.
func lookup(tx *bolt.Tx, key string) ([]byte, bool) {
	k, v := tx.Bucket(bucketName).Cursor().Seek([]byte(key))
	if k == nil || string(k) != key {
		return nil, false
	}
	return v, true
}

func (b *Bolt) SetString(key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

func (b *Bolt) Exists(key string) bool {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		_, found = lookup(tx, key)
		return nil
	})
	if err != nil {
		plog.Errorf("checking pref %s: %v", key, err)
		return false
	}
	return found
}

func (b *Bolt) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Keys lists the stored keys in order.
func (b *Bolt) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
