package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/facette/natsort"
	"github.com/ipld/go-ipld-prime/node/bindnode"
	"github.com/urfave/cli/v2"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/config"
	"github.com/warptools/metabase/pkg/metabase"
	"github.com/warptools/metabase/pkg/serial"
)

var getCmdDef = cli.Command{
	Name:      "get",
	Usage:     "Resolve a resource and print it",
	ArgsUsage: "<ID>",
	Description: heredoc.Doc(`
		Resolves the dotted name against every layer of the metabase path, in order,
		and prints the first match in its serialized form.
		Other resources it refers to are printed as references.
	`),
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "download",
			Usage: "Build a local copy of the resource and save it to the first writable layer",
		},
	},
	Action: withStandardMiddleware(cmdGet),
}

var dirCmdDef = cli.Command{
	Name:      "dir",
	Usage:     "List the resources whose names start with a prefix",
	ArgsUsage: "[PREFIX]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "layer",
			Usage: "Only list the layer of this name, such as \"my\" or \"remote\"",
		},
		&cli.BoolFlag{
			Name:  "natural",
			Usage: "Sort numbered names naturally, so that chr2 comes before chr10",
		},
		&cli.BoolFlag{
			Name:    "long",
			Aliases: []string{"l"},
			Usage:   "Print the description of every resource",
		},
	},
	Action: withStandardMiddleware(cmdDir),
}

var infoCmdDef = cli.Command{
	Name:      "info",
	Usage:     "Print the stored metadata of a resource",
	ArgsUsage: "<ID>",
	Action:    withStandardMiddleware(cmdInfo),
}

var schemaCmdDef = cli.Command{
	Name:      "schema",
	Usage:     "Print the schema record stored for a resource",
	ArgsUsage: "<ID>",
	Action:    withStandardMiddleware(cmdSchema),
}

var relationCmdDef = cli.Command{
	Name:      "relation",
	Usage:     "Print the relation connecting two resources",
	ArgsUsage: "<SOURCE> <TARGET>",
	Action:    withStandardMiddleware(cmdRelation),
}

var rmCmdDef = cli.Command{
	Name:      "rm",
	Usage:     "Delete a resource, and every relation on it, from the first writable layer",
	ArgsUsage: "<ID>",
	Action:    withStandardMiddleware(cmdRm),
}

// openCatalog opens the layers named by the --path flag, or by the environment.
func openCatalog(c *cli.Context) (*metabase.List, error) {
	st := config.NewState()
	if p := c.String("path"); p != "" {
		st.Env[config.EnvMetabasePath] = p
	}
	return metabase.Open(c.Context, st, metabase.Config{Debug: c.Bool("debug")})
}

// withCatalog runs f on an open catalog, closing it afterwards.
func withCatalog(c *cli.Context, f func(l *metabase.List) error) error {
	l, err := openCatalog(c)
	if err != nil {
		return err
	}
	err = f(l)
	if closeErr := l.Close(c.Context); err == nil {
		err = closeErr
	}
	return err
}

func argID(c *cli.Context, i int) (mbapi.ResourceID, error) {
	id := mbapi.ResourceID(c.Args().Get(i))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func checkArgs(c *cli.Context, n int) error {
	if c.Args().Len() != n {
		return mbapi.ErrorInvalid(fmt.Sprintf("%s takes %d argument(s), got %d", c.Command.Name, n, c.Args().Len()))
	}
	return nil
}

// setResult wraps v, a pointer to an API type, as the node printed once the command returns.
func setResult(c *cli.Context, v interface{}, typeName string) {
	c.App.Metadata["result"] = bindnode.Wrap(v, mbapi.TypeSystem.TypeByName(typeName)).Representation()
}

func cmdGet(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	id, err := argID(c, 0)
	if err != nil {
		return err
	}
	return withCatalog(c, func(l *metabase.List) error {
		var opts []metabase.ResolveOption
		if c.Bool("download") {
			opts = append(opts, metabase.WithDownload())
		}
		obj, err := l.Resolve(c.Context, id, opts...)
		if err != nil {
			return err
		}
		n, err := serial.EncodeNode(obj, serial.EncodeOptions{})
		if err != nil {
			return err
		}
		c.App.Metadata["result"] = n
		return nil
	})
}

func cmdDir(c *cli.Context) error {
	if c.Args().Len() > 1 {
		return mbapi.ErrorInvalid("dir takes at most one prefix")
	}
	prefix := c.Args().First()
	return withCatalog(c, func(l *metabase.List) error {
		var opts []metabase.DirOption
		if c.IsSet("layer") {
			opts = append(opts, metabase.WithLayer(c.String("layer")))
		}
		infos, err := l.DirInfo(c.Context, prefix, opts...)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(infos))
		for id := range infos {
			names = append(names, string(id))
		}
		if c.Bool("natural") {
			natsort.Sort(names)
		} else {
			sort.Strings(names)
		}
		for _, name := range names {
			if c.Bool("long") {
				fmt.Fprintf(c.App.Writer, "%s\t%s\n", name, oneLine(infos[mbapi.ResourceID(name)].Description))
			} else {
				fmt.Fprintln(c.App.Writer, name)
			}
		}
		return nil
	})
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func cmdInfo(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	id, err := argID(c, 0)
	if err != nil {
		return err
	}
	return withCatalog(c, func(l *metabase.List) error {
		infos, err := l.DirInfo(c.Context, string(id))
		if err != nil {
			return err
		}
		info, ok := infos[id]
		if !ok {
			return mbapi.ErrorNotFound(id, "any layer of the metabase path")
		}
		setResult(c, &info, "ResourceInfo")
		return nil
	})
}

func cmdSchema(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	id, err := argID(c, 0)
	if err != nil {
		return err
	}
	return withCatalog(c, func(l *metabase.List) error {
		rec, err := l.Schema(c.Context, id)
		if err != nil {
			return err
		}
		setResult(c, &rec, "SchemaRecord")
		return nil
	})
}

func cmdRelation(c *cli.Context) error {
	if err := checkArgs(c, 2); err != nil {
		return err
	}
	source, err := argID(c, 0)
	if err != nil {
		return err
	}
	target, err := argID(c, 1)
	if err != nil {
		return err
	}
	return withCatalog(c, func(l *metabase.List) error {
		rel, err := l.Relation(c.Context, source, target)
		if err != nil {
			return err
		}
		rec := rel.Record()
		setResult(c, &rec, "RelationRecord")
		return nil
	})
}

func cmdRm(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	id, err := argID(c, 0)
	if err != nil {
		return err
	}
	return withCatalog(c, func(l *metabase.List) error {
		return l.DeleteResource(c.Context, id)
	})
}
