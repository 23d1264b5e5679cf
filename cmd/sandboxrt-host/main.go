// Command sandboxrt-host is a demo process that links pkg/runtime against
// the wazero-backed script engine and drives it from the command line. It
// exists for manual verification and as a living integration example; it
// is not part of the sandboxed handler execution runtime itself and takes
// shortcuts — most visibly, its http/ai extensions (pkg/hostext) resolve
// suspended calls by reading a line from stdin instead of making a real
// network call.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:  "sandboxrt-host",
		Usage: "demo host process for the sandboxed handler execution runtime",
		Commands: []*cli.Command{
			runCommand(),
			statsCommand(),
			inspectCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
