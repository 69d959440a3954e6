package main

import (
	"fmt"
	"os"

	"github.com/theblitlabs/parity-fedsync/cmd/cli"
	"github.com/theblitlabs/parity-fedsync/internal/utils/errorutil"
)

func main() {
	err := cli.NewRootCommand().Execute()
	switch code := errorutil.ExitCode(err); code {
	case 0:
	case errorutil.ExitCancelled:
		fmt.Fprintln(os.Stderr, "session cancelled")
		os.Exit(code)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(code)
	}
}
