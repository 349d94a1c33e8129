// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package workerkit

import (
	"fmt"

	"github.com/spf13/pflag"
)

// LaunchParams are the startup parameters every worker receives from
// the launcher as command-line flags.
type LaunchParams struct {
	// SocketPath is the Unix socket the worker must serve its RPC
	// contract on.
	SocketPath string

	// ExtensionID and InstanceID identify which instance this
	// process is.
	ExtensionID string
	InstanceID  string

	// StorageDir is the instance's private scratch directory,
	// created by the launcher before spawn.
	StorageDir string
}

// ParseLaunchFlags parses the launcher's flag contract from args
// (normally os.Args[1:]). Unknown flags are an error: the flag set is
// the whole launch contract, and a typo on either side should fail
// loudly at spawn rather than quietly at runtime.
func ParseLaunchFlags(args []string) (LaunchParams, error) {
	var params LaunchParams

	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	flags.StringVar(&params.SocketPath, "socket", "", "RPC socket path to serve on")
	flags.StringVar(&params.ExtensionID, "extension-id", "", "owning extension ID")
	flags.StringVar(&params.InstanceID, "instance-id", "", "instance ID within the extension")
	flags.StringVar(&params.StorageDir, "storage-dir", "", "private storage directory")

	if err := flags.Parse(args); err != nil {
		return LaunchParams{}, fmt.Errorf("parsing launch flags: %w", err)
	}

	if params.SocketPath == "" {
		return LaunchParams{}, fmt.Errorf("missing required flag: --socket")
	}
	if params.ExtensionID == "" || params.InstanceID == "" {
		return LaunchParams{}, fmt.Errorf("missing required flags: --extension-id and --instance-id")
	}
	return params, nil
}
