// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/flatcar/update-engine/version"
)

const repo = "github.com/flatcar/update-engine"

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show which update-engine build this is",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("update-engine/%s version %s\n",
				cmd.Root().Name(), version.Version)
		},
	}

	logDebug    bool
	logVerbose  bool
	logLevel    = capnslog.NOTICE
	logPackages string

	plog = capnslog.NewPackageLogger(repo, "cli")
)

// ExitCoder is an error that picks the process exit status. Failed
// updates carry their error code this way so scripts can tell a
// corrupt payload from a bad source partition.
type ExitCoder interface {
	ExitCode() int
}

// Execute adds the version command and the logging flags to main, runs
// it and exits with the status of the returned error.
func Execute(main *cobra.Command) {
	main.AddCommand(versionCmd)

	main.PersistentFlags().Var(&logLevel, "log-level",
		"Level for every update-engine package")
	main.PersistentFlags().BoolVarP(&logVerbose, "verbose", "v", false,
		"Log each applied operation (--log-level=INFO)")
	main.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false,
		"Log extents and hashes too (--log-level=DEBUG)")
	main.PersistentFlags().StringVar(&logPackages, "log-packages", "",
		"Per package levels applied after --log-level, e.g. update=DEBUG,prefs=ERROR")

	WrapPreRun(main, func(cmd *cobra.Command, args []string) error {
		return startLogging(cmd)
	})

	err := main.Execute()
	if err != nil {
		plog.Error(err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec ExitCoder
	if errors.As(err, &ec) && ec.ExitCode() > 0 && ec.ExitCode() < 126 {
		return ec.ExitCode()
	}
	return 1
}

func startLogging(cmd *cobra.Command) error {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}

	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.ErrOrStderr()))
	capnslog.SetGlobalLogLevel(logLevel)

	if logPackages != "" {
		r := capnslog.MustRepoLogger(repo)
		levels, err := r.ParseLogLevelConfig(logPackages)
		if err != nil {
			return fmt.Errorf("--log-packages: %v", err)
		}
		r.SetLogLevel(levels)
	}

	plog.Infof("logging at %s", logLevel)
	return nil
}

// PreRunEFunc matches cobra's PersistentPreRunE.
type PreRunEFunc func(cmd *cobra.Command, args []string) error

// WrapPreRun runs f before any PersistentPreRun the command already has.
func WrapPreRun(root *cobra.Command, f PreRunEFunc) {
	preRun, preRunE := root.PersistentPreRun, root.PersistentPreRunE
	root.PersistentPreRun, root.PersistentPreRunE = nil, nil

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := f(cmd, args); err != nil {
			return err
		}
		if preRun != nil {
			preRun(cmd, args)
		} else if preRunE != nil {
			return preRunE(cmd, args)
		}
		return nil
	}
}
