// Command careflow runs the careflow policy engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/careflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "careflow:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
