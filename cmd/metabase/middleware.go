package main

import (
	"github.com/urfave/cli/v2"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/tracing"
)

// chainCmdMiddleware wraps cmd in the given middleware, outermost first:
// `middleware[0](middleware[1](cmd))`.
func chainCmdMiddleware(cmd cli.ActionFunc, middlewares ...func(cli.ActionFunc) cli.ActionFunc) cli.ActionFunc {
	wrapped := cmd
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// withStandardMiddleware is the chain every command runs under.
func withStandardMiddleware(cmd cli.ActionFunc) cli.ActionFunc {
	return chainCmdMiddleware(cmd,
		cmdMiddlewareLogging,
		cmdMiddlewareTracingConfig,
		cmdMiddlewareTracingSpan,
	)
}

// cmdMiddlewareLogging puts a logger configured from the global flags into the command's context.
func cmdMiddlewareLogging(f cli.ActionFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger := logging.NewLogger(c.App.Writer, c.App.ErrWriter, c.Bool("json"), c.Bool("quiet"), c.Bool("verbose"))
		c.Context = logger.WithContext(c.Context)
		return f(c)
	}
}

// cmdMiddlewareTracingSpan starts a span named after the command,
// ending when the command returns.
func cmdMiddlewareTracingSpan(f cli.ActionFunc) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		ctx, span := tracing.Start(c.Context, c.Command.FullName())
		defer tracing.End(ctx, span, &err)
		c.Context = ctx
		return f(c)
	}
}

// cmdMiddlewareTracingConfig installs a tracer when a trace flag asks for one.
func cmdMiddlewareTracingConfig(f cli.ActionFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		tracerProvider, err := newTracingProvider(c)
		if err != nil {
			return mbapi.ErrorInternal("could not initialize tracing", err)
		}
		if tracerProvider == nil {
			c.Context = tracing.SetTracer(c.Context, nil)
			return f(c)
		}
		ctx := c.Context
		defer func() {
			if err := tracerProvider.Shutdown(ctx); err != nil {
				logging.Ctx(ctx).Debug("", "tracing shutdown error: %s", err.Error())
			}
		}()
		c.Context = tracing.SetTracer(ctx, tracerProvider.Tracer(MODULE))
		return f(c)
	}
}
