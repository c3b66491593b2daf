package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/urfave/cli/v2"

	"github.com/warptools/metabase/pkg/resourceserver"
)

const (
	VERSION = "v0.1.0"
	MODULE  = "metabase"
)

func makeApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "metabase"
	app.Version = VERSION
	app.Usage = "Find, store, and relate datasets by name."
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Reader = stdin
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version",
	}
	app.HideVersion = true
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
		},
		&cli.BoolFlag{
			Name: "quiet",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Enable JSON API output",
		},
		&cli.StringFlag{
			Name:    "path",
			Usage:   "Comma separated list of backend locators to search, in order",
			EnvVars: []string{"METABASEPATH"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Stop at the first backend error instead of trying the next layer",
			EnvVars: []string{"METABASE_DEBUG"},
		},
		&cli.StringFlag{
			Name:      "trace.file",
			Usage:     "Enable tracing and emit output to file",
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:  "trace.http.enable",
			Usage: "Enable remote tracing over http",
		},
		&cli.BoolFlag{
			Name:  "trace.http.insecure",
			Usage: "Allows insecure http",
		},
		&cli.StringFlag{
			Name:  "trace.http.endpoint",
			Usage: "Sets an endpoint for remote open-telemetry tracing collection",
		},
	}
	app.ExitErrHandler = exitErrHandler
	app.After = afterFunc
	app.Commands = []*cli.Command{
		&getCmdDef,
		&dirCmdDef,
		&infoCmdDef,
		&schemaCmdDef,
		&relationCmdDef,
		&rmCmdDef,
		&serveCmdDef,
		&pushCmdDef,
	}
	return app
}

// Called after a command returns an non-nil error value.
// Prints the formatted error to stderr.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	if c.Bool("json") {
		bytes, err := json.Marshal(err)
		if err != nil {
			panic("error marshaling json")
		}
		fmt.Fprintf(c.App.ErrWriter, "%s\n", string(bytes))
	} else {
		fmt.Fprintf(c.App.ErrWriter, "error: %s\n", err)
	}
}

// Called after any command completes. A command may set
// c.App.Metadata["result"] to a datamodel.Node to have it printed to stdout.
func afterFunc(c *cli.Context) error {
	if c.App.Metadata["result"] == nil {
		return nil
	}
	n, ok := c.App.Metadata["result"].(datamodel.Node)
	if !ok {
		panic("invalid result value - not a datamodel.Node")
	}
	encode := resourceserver.PrettyEncoder
	if c.Bool("json") {
		encode = resourceserver.Encoder
	}
	if err := encode(n, c.App.Writer); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}

func main() {
	err := makeApp(os.Stdin, os.Stdout, os.Stderr).Run(os.Args)
	if err != nil {
		os.Exit(1)
	}
}
