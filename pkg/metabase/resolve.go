package metabase

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/binding"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/serial"
	"github.com/warptools/metabase/pkg/tracing"
)

type resolveOptions struct {
	debug    bool
	download bool
}

type ResolveOption func(*resolveOptions)

// WithDebug overrides the catalog's strictness for one resolution.
func WithDebug(debug bool) ResolveOption {
	return func(o *resolveOptions) { o.debug = debug }
}

// WithDownload asks backends to materialize the resource rather than stream it.
// A value that can build a local copy of itself is replaced by that copy,
// which is saved to the writer layer.
func WithDownload() ResolveOption {
	return func(o *resolveOptions) { o.download = true }
}

type resolvingKey struct{}

// resolving returns the IDs being resolved on this call stack, outermost first.
func resolving(ctx context.Context) []mbapi.ResourceID {
	stack, _ := ctx.Value(resolvingKey{}).([]mbapi.ResourceID)
	return stack
}

func withResolving(ctx context.Context, id mbapi.ResourceID) context.Context {
	stack := resolving(ctx)
	next := make([]mbapi.ResourceID, len(stack), len(stack)+1)
	copy(next, stack)
	return context.WithValue(ctx, resolvingKey{}, append(next, id))
}

// Resolve returns the live object stored as id in the first layer holding it.
//
// A cached object is returned as is. Otherwise every layer is asked in order;
// a layer that does not hold id is skipped, and so is a failing layer unless
// resolution is strict. Concurrent first resolutions of one ID share a single lookup.
// References that lead back to an ID being loaded fail with a cycle,
// whichever goroutines the loads run on.
//
// Errors:
//
//    - metabase-error-invalid-id -- if id is not a valid ResourceID
//    - metabase-error-not-found -- if no layer holds id
//    - metabase-error-cycle-detected -- if decoding id requires resolving id itself, on any goroutine
//    - metabase-error-corrupt-data -- if the stored record cannot be decoded
//    - metabase-error-binding-conflict -- if the stored schema conflicts with bound attributes
//    - metabase-error-backend -- in debug mode, if a backend fails
func (l *List) Resolve(ctx context.Context, id mbapi.ResourceID, opts ...ResolveOption) (*resource.Object, error) {
	o := resolveOptions{debug: l.cfg.Debug}
	for _, opt := range opts {
		opt(&o)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	obj, ok := l.cache[id]
	l.mu.Unlock()
	if ok {
		return obj, nil
	}

	stack := resolving(ctx)
	for _, inProgress := range stack {
		if inProgress == id {
			return nil, mbapi.ErrorCycleDetected(id, stack)
		}
	}

	// The load on top of the stack blocks on id from here on. Should the load of id
	// already be in flight elsewhere and be blocked on our stack, joining it never returns.
	if len(stack) > 0 {
		from := stack[len(stack)-1]
		if !l.waits.wait(from, id, stack) {
			return nil, mbapi.ErrorCycleDetected(id, stack)
		}
		defer l.waits.done(from, id)
	}

	key := string(id) + "|" + strconv.FormatBool(o.debug) + "|" + strconv.FormatBool(o.download)
	v, err, _ := l.flight.Do(key, func() (interface{}, error) {
		return l.load(withResolving(ctx, id), id, o)
	})
	if err != nil {
		return nil, err
	}
	return v.(*resource.Object), nil
}

// refResolver resolves the references met while decoding, with the options of the outer call.
type refResolver struct {
	l    *List
	opts resolveOptions
}

func (r refResolver) Resolve(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error) {
	return r.l.Resolve(ctx, id, WithDebug(r.opts.debug))
}

func (l *List) load(ctx context.Context, id mbapi.ResourceID, o resolveOptions) (_ *resource.Object, err error) {
	ctx, span := tracing.Start(ctx, "resolve", trace.WithAttributes(
		tracing.ResourceID(string(id)),
		attribute.Bool("metabase.resolve.download", o.download),
	))
	defer tracing.End(ctx, span, &err)
	log := logging.Ctx(ctx)

	l.mu.Lock()
	if obj, ok := l.cache[id]; ok {
		l.mu.Unlock()
		return obj, nil
	}
	l.mu.Unlock()

	for _, m := range l.Layers() {
		rec, err := m.backend.Get(ctx, id, o.download)
		if err != nil {
			if mbapi.IsNotFound(err) {
				continue
			}
			if o.debug {
				return nil, err
			}
			log.Warn(LogTag, "%s: reading %s failed, trying the next layer: %s", m.backend.Locator(), id, mbapi.Describe(err))
			continue
		}
		span.SetAttributes(attribute.String(tracing.AttrKeyMetabaseLayer, m.name))
		obj, err := serial.Decode(ctx, rec.Payload, refResolver{l, o}, serial.DecodeOptions{Registry: l.cfg.Registry})
		if err != nil {
			return nil, err
		}
		if err := obj.AssignID(id); err != nil {
			return nil, err
		}
		if o.download {
			if obj, err = l.buildLocal(ctx, id, obj); err != nil {
				return nil, err
			}
		}
		return l.finish(ctx, id, obj, o.debug)
	}
	return nil, mbapi.ErrorNotFound(id, "any layer of the metabase path")
}

// finish binds the stored schema onto obj and caches it.
// Should another resolution have cached id meanwhile, its object wins.
func (l *List) finish(ctx context.Context, id mbapi.ResourceID, obj *resource.Object, debug bool) (*resource.Object, error) {
	rec, found, err := l.schemaOf(ctx, id, debug)
	if err != nil {
		return nil, err
	}
	if found {
		if err := binding.BindSchema(l, obj, rec); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.cache[id]; ok {
		return existing, nil
	}
	l.cache[id] = obj
	return obj, nil
}

// buildLocal replaces a value able to build a local copy of itself by that copy,
// and saves it to the writer layer: queued when a transaction is open there,
// committed right away otherwise.
func (l *List) buildLocal(ctx context.Context, id mbapi.ResourceID, obj *resource.Object) (*resource.Object, error) {
	lb, ok := obj.Value.(resource.LocalBuilder)
	if !ok {
		return obj, nil
	}
	log := logging.Ctx(ctx)
	v, err := lb.BuildLocal(ctx)
	if err != nil {
		return nil, err
	}
	local := resource.New(obj.Doc, v)
	w := l.Writer()
	if w == nil {
		log.Warn(LogTag, "downloaded %s, but no writable layer can keep it", id)
		if err := local.AssignID(id); err != nil {
			return nil, err
		}
		return local, nil
	}
	open := w.HasPending()
	if err := w.AddResource(ctx, id, local); err != nil {
		return nil, err
	}
	if open {
		log.Info(LogTag, "downloaded %s; queued in the open transaction of %s", id, w.backend.Locator())
		return local, nil
	}
	if _, err := w.Commit(ctx); err != nil {
		return nil, err
	}
	log.Info(LogTag, "downloaded %s; committed to %s", id, w.backend.Locator())
	return local, nil
}

// schemaOf returns the schema stored for id by the first layer holding one.
// Lookups are cached, misses included.
func (l *List) schemaOf(ctx context.Context, id mbapi.ResourceID, debug bool) (mbapi.SchemaRecord, bool, error) {
	l.mu.Lock()
	entry, ok := l.schema[id]
	l.mu.Unlock()
	if ok {
		return entry.rec, entry.found, nil
	}
	log := logging.Ctx(ctx)
	for _, m := range l.Layers() {
		rec, err := m.backend.GetSchema(ctx, id)
		if err != nil {
			if mbapi.IsNotFound(err) {
				continue
			}
			if debug {
				return mbapi.SchemaRecord{}, false, err
			}
			log.Warn(LogTag, "%s: reading the schema of %s failed: %s", m.backend.Locator(), id, mbapi.Describe(err))
			continue
		}
		entry = schemaEntry{rec: rec, found: true}
		break
	}
	l.mu.Lock()
	l.schema[id] = entry
	l.mu.Unlock()
	return entry.rec, entry.found, nil
}
