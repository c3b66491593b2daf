package main

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/logging"
)

// newResource identifies this process to trace collectors.
func newResource() (*resource.Resource, error) {
	r, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(MODULE),
		semconv.ServiceVersionKey.String(VERSION),
	))
	if err != nil {
		return nil, err
	}
	return resource.Merge(r, resource.Environment())
}

// newTracingProvider creates a tracer provider from the trace flags.
// It returns nil when no exporter is asked for.
func newTracingProvider(c *cli.Context) (_ *sdktrace.TracerProvider, retErr error) {
	log := logging.Ctx(c.Context)
	res, err := newResource()
	if err != nil {
		return nil, err
	}

	var exporters []sdktrace.TracerProviderOption
	fileExporter, err := newFileSpanExporter(c.Context, c.String("trace.file"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			fileExporter.Shutdown(c.Context)
		}
	}()
	if fileExporter != nil {
		exporters = append(exporters, sdktrace.WithBatcher(fileExporter))
	}

	if c.Bool("trace.http.enable") {
		var httpOpts []otlptracehttp.Option
		if c.Bool("trace.http.insecure") {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		if endpoint := c.String("trace.http.endpoint"); endpoint != "" {
			log.Debug("", "trace.http.endpoint: %s", endpoint)
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(endpoint))
		}
		httpExporter, err := otlptrace.New(c.Context, otlptracehttp.NewClient(httpOpts...))
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, sdktrace.WithBatcher(httpExporter))
	}
	if len(exporters) == 0 {
		return nil, nil
	}
	opts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, exporters...)
	return sdktrace.NewTracerProvider(opts...), nil
}

// fileSpanExporter closes its file on Shutdown.
type fileSpanExporter struct {
	sdktrace.SpanExporter
	io.Closer
}

// Shutdown flushes the exporter and closes the file.
//
// Errors:
//
//     - metabase-error-internal -- when an error occurs during tracing shutdown
func (e *fileSpanExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	defer e.Closer.Close()
	if err := e.SpanExporter.Shutdown(ctx); err != nil {
		return mbapi.ErrorInternal("tracing shutdown failed", err)
	}
	return nil
}

// newFileSpanExporter creates or truncates the named file and writes spans to it as indented JSON.
func newFileSpanExporter(ctx context.Context, name string) (*fileSpanExporter, error) {
	if name == "" {
		return nil, nil
	}
	logging.Ctx(ctx).Debug("", "trace file path: %s", name)
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(f),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSpanExporter{exp, f}, nil
}
