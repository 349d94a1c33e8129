// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Exthost is the extension host: it discovers installed extensions,
// launches their backend workers on demand, and brokers commands and
// events between workers and the application shell.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/exthost/exthost/lib/process"
)

const usage = `exthost manages extension backend workers.

Usage:
  exthost <command> [flags]

Commands:
  list      list installed extensions
  run       run the extension host until interrupted
  exec      start an instance, run one command, and tear it down
  version   print version information

Run "exthost <command> --help" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "list":
		err = runList(os.Args[2:])
	case "run":
		err = runHost(os.Args[2:])
	case "exec":
		err = runExec(os.Args[2:])
	case "version":
		fmt.Printf("exthost %s\n", versionString())
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		process.Fatal(err)
	}
}

func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
