package main

import (
	"github.com/urfave/cli/v2"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/metabase"
	"github.com/warptools/metabase/pkg/mirroring"
)

var pushCmdDef = cli.Command{
	Name:      "push",
	Usage:     "Mirror the resources of one layer to an S3 bucket",
	ArgsUsage: "[PREFIX]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "bucket",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "region",
			Value: "us-east-1",
		},
		&cli.StringFlag{
			Name:  "endpoint",
			Usage: "Endpoint of an S3-compatible service",
		},
		&cli.StringFlag{
			Name:  "key-prefix",
			Usage: "Prefix for every object key in the bucket",
		},
		&cli.StringFlag{
			Name:  "layer",
			Usage: "Layer to push; defaults to the first writable one",
		},
	},
	Action: withStandardMiddleware(cmdPush),
}

func cmdPush(c *cli.Context) error {
	if c.Args().Len() > 1 {
		return mbapi.ErrorInvalid("push takes at most one prefix")
	}
	cfg := mirroring.Config{S3: &mirroring.S3Config{
		Endpoint: c.String("endpoint"),
		Region:   c.String("region"),
		Bucket:   c.String("bucket"),
		Prefix:   c.String("key-prefix"),
	}}
	return withCatalog(c, func(l *metabase.List) error {
		layer := l.Writer()
		if c.IsSet("layer") {
			m, ok := l.Layer(c.String("layer"))
			if !ok {
				return mbapi.ErrorInvalid("no layer named "+c.String("layer"), [2]string{"layer", c.String("layer")})
			}
			layer = m
		}
		if layer == nil {
			return mbapi.ErrorInvalid("no layer to push; name one with --layer")
		}
		report, err := mirroring.Push(c.Context, layer.Backend(), c.Args().First(), cfg)
		if err != nil {
			return err
		}
		logging.Ctx(c.Context).Info(mirroring.LogTag, "uploaded %d payloads, %d already present", len(report.Uploaded), len(report.Present))
		return nil
	})
}
