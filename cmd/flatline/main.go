// Command flatline runs and manages flat-table projections of an event log.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/flatline/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
