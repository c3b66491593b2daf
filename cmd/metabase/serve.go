package main

import (
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend/locator"
	"github.com/warptools/metabase/pkg/config"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/metabase"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/resourceserver"
)

var serveCmdDef = cli.Command{
	Name:      "serve",
	Usage:     "Serve one backend to remote clients over JSON-RPC",
	ArgsUsage: "<LOCATOR>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "Address to listen on",
			Value: "localhost:5000",
		},
		&cli.StringFlag{
			Name:  "endpoint",
			Usage: "URL clients reach this server at; defaults to http://<addr>",
		},
		&cli.StringFlag{
			Name:  "publish",
			Usage: "Before serving, publish the resources of the metabase path under this prefix",
		},
	},
	Action: withStandardMiddleware(cmdServe),
}

func cmdServe(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	log := logging.Ctx(ctx)
	st := config.NewState()

	b, err := locator.Open(ctx, st, c.Args().First(), locator.Options{})
	if err != nil {
		return err
	}
	defer b.Close()

	endpoint := c.String("endpoint")
	if endpoint == "" {
		endpoint = "http://" + c.String("addr")
	}
	srv := resourceserver.New(b, resourceserver.Config{Endpoint: endpoint, User: st.User()})

	if c.IsSet("publish") {
		if err := publish(c, srv, c.String("publish")); err != nil {
			return err
		}
	}

	l, err := resourceserver.Listen(ctx, c.String("addr"))
	if err != nil {
		return err
	}
	log.Info("", "serving %s at %s", b.Locator(), endpoint)
	return srv.Serve(ctx, l)
}

// publish copies the resources under prefix, as the metabase path resolves them, into the served backend.
func publish(c *cli.Context, srv *resourceserver.Server, prefix string) error {
	if !srv.Backend().Writable() {
		return mbapi.ErrorReadOnly(srv.Backend().Locator())
	}
	return withCatalog(c, func(l *metabase.List) error {
		ids, err := l.Dir(c.Context, prefix)
		if err != nil {
			return err
		}
		objs := make(map[mbapi.ResourceID]*resource.Object, len(ids))
		for _, id := range ids {
			obj, err := l.Resolve(c.Context, id)
			if err != nil {
				return err
			}
			objs[id] = obj
		}
		published, err := srv.PublishAll(c.Context, objs)
		if err != nil {
			return err
		}
		logging.Ctx(c.Context).Info("", "published %d of %d resources under %q", len(published), len(ids), prefix)
		return nil
	})
}
