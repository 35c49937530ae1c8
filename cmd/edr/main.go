// Command edr runs a local Ethereum development network and the Solidity
// tests of compiled projects.
//
// Usage:
//
//	edr [global options] node [options]
//	edr [global options] test [options]
//
// Options may also come from a TOML file given with --config; flags win
// over the file.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via -ldflags at build time.
var (
	version = "0.1.0-dev"
	commit  = ""
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "edr"
	app.Usage = "Ethereum development runtime"
	app.Version = version
	if commit != "" {
		app.Version += "-" + commit
	}
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Flags = []cli.Flag{configFlag, verbosityFlag, logFormatFlag}
	app.Commands = []*cli.Command{nodeCommand, testCommand}
	// Errors are reported by run so tests can observe the exit code.
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	err := newApp(stdout, stderr).Run(args)
	if err == nil {
		return 0
	}
	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintln(stderr, "Error:", msg)
		}
		return exit.ExitCode()
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}
