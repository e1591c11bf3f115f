// Package main is the kbsync command line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/drukkhua/druk-helper-sub000/cmd/kbsync/cmd"
	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, kberrors.FormatForCLI(err))
		os.Exit(cmd.ExitCode(err))
	}
}
