// Command fire is an OCI-compatible Linux container runtime.
package main

import (
	"fmt"
	"os"

	"fire/cmd"
	cerrors "fire/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error's kind to the documented process exit codes:
// 0 success, 1 user error, 2 runtime error, 3 not found, 4 already
// exists, 5 busy.
func exitCode(err error) int {
	kind, ok := cerrors.GetKind(err)
	if !ok {
		return 2
	}
	switch kind {
	case cerrors.SpecInvalid, cerrors.InvalidState:
		return 1
	case cerrors.NotFound:
		return 3
	case cerrors.AlreadyExists:
		return 4
	case cerrors.Busy:
		return 5
	default:
		return 2
	}
}
