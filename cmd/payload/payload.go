// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/flatcar/update-engine/cli"
	"github.com/flatcar/update-engine/update/prefs"
	"github.com/flatcar/update-engine/util"
)

var (
	plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "payload")

	root = &cobra.Command{
		Use:   "payload",
		Short: "Apply, inspect and build update payloads",
	}

	prefsPath string
)

func init() {
	root.PersistentFlags().StringVar(&prefsPath, "prefs", "",
		"bbolt database holding update progress")
}

// openPrefs opens the prefs database, waiting for another update engine
// holding its lock.
func openPrefs(path string) (*prefs.Bolt, error) {
	var p *prefs.Bolt
	err := util.RetryConditional(5, time.Second, func(err error) bool {
		return errors.Is(err, bolt.ErrTimeout)
	}, func() (err error) {
		p, err = prefs.OpenBolt(path)
		return err
	})
	return p, err
}

func main() {
	cli.Execute(root)
}
