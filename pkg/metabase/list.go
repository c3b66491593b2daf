// Package metabase resolves dotted resource names against an ordered list of backends.
//
// A List holds the layers of a catalog, each a Metabase over one backend, in the order
// the metabase path named them. Resolution asks every layer in turn and the first one
// holding the name wins. The result is decoded, given the lazily resolved attributes
// its stored schema declares, and cached: asking again returns the same object
// without touching any backend.
//
// Writes go to the first writable layer, through its transaction manager.
package metabase

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/backend/locator"
	"github.com/warptools/metabase/pkg/config"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/schema"
	"github.com/warptools/metabase/pkg/serial"
	"github.com/warptools/metabase/pkg/txn"
	"golang.org/x/sync/singleflight"
)

const LogTag = "metabase"

// Config holds the catalog-wide settings.
type Config struct {
	// Debug makes resolution strict: a backend error other than not-found
	// stops resolution, and a locator that cannot be opened fails Update.
	// Each call may override it with WithDebug.
	Debug bool

	// User is recorded in the metadata of written resources.
	User string

	// Registry defaults to serial.DefaultRegistry.
	Registry *serial.Registry

	// ReadOnly opens local locators without write access.
	ReadOnly bool

	// HTTPClient is used for remote layers.
	HTTPClient *http.Client
}

type schemaEntry struct {
	rec   mbapi.SchemaRecord
	found bool
}

// List is a layered catalog. It owns the resource cache and the schema cache
// shared by all of its layers.
type List struct {
	cfg Config
	st  config.State

	// mu guards everything below, and the queue of every layer's transaction manager.
	mu     sync.Mutex
	layers []*Metabase
	writer *Metabase
	cache  map[mbapi.ResourceID]*resource.Object
	schema map[mbapi.ResourceID]schemaEntry

	flight singleflight.Group
	waits  waitGraph
}

var _ txn.Finder = (*List)(nil)

// New returns a catalog without layers.
func New(st config.State, cfg Config) *List {
	return &List{
		cfg:    cfg,
		st:     st,
		cache:  map[mbapi.ResourceID]*resource.Object{},
		schema: map[mbapi.ResourceID]schemaEntry{},
	}
}

// Open builds a catalog from the metabase path configured in st.
// The debug and user settings of st apply unless cfg already sets them.
//
// Errors:
//
//    - metabase-error-backend -- in debug mode, if a locator cannot be opened
//    - metabase-error-corrupt-data -- in debug mode, if a store carries an unknown format
func Open(ctx context.Context, st config.State, cfg Config) (*List, error) {
	cfg.Debug = cfg.Debug || st.Debug()
	if cfg.User == "" {
		cfg.User = st.User()
	}
	l := New(st, cfg)
	if err := l.Update(ctx, st.MetabasePath()); err != nil {
		return nil, err
	}
	return l, nil
}

// Single returns a catalog over one backend.
// A single-backend catalog is always strict, as there is no other layer to fall back on.
func Single(ctx context.Context, b backend.Backend, cfg Config) (*List, error) {
	cfg.Debug = true
	l := New(config.State{}, cfg)
	if _, err := l.AddLayer(ctx, "", b); err != nil {
		return nil, err
	}
	return l, nil
}

// newLayer wraps b, giving it a transaction manager when it is writable.
func (l *List) newLayer(name string, b backend.Backend) (*Metabase, error) {
	m := &Metabase{name: name, backend: b, list: l}
	if !b.Writable() {
		return m, nil
	}
	saver, err := txn.New(txn.Config{
		Backend:  b,
		Cache:    cacheView{l},
		Finder:   l,
		Lock:     &l.mu,
		User:     l.cfg.User,
		Registry: l.cfg.Registry,
	})
	if err != nil {
		return nil, err
	}
	m.saver = saver
	return m, nil
}

// AddLayer appends a layer over b, searched after all existing ones.
// A writable backend gets a transaction manager, and becomes the writer
// if the catalog has none yet. name may be empty.
//
// Errors:
//
//    - metabase-error-invalid -- if a layer of that name exists
func (l *List) AddLayer(ctx context.Context, name string, b backend.Backend) (*Metabase, error) {
	m, err := l.newLayer(name, b)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if name != "" {
		for _, existing := range l.layers {
			if existing.name == name {
				return nil, mbapi.ErrorInvalid(fmt.Sprintf("layer %q already exists", name), [2]string{"locator", b.Locator()})
			}
		}
	}
	l.layers = append(l.layers, m)
	if m.saver != nil && l.writer == nil {
		l.writer = m
	}
	logging.Ctx(ctx).Debug(LogTag, "layer %q: %s (writable: %t)", name, b.Locator(), b.Writable())
	return m, nil
}

// Update rebuilds the layers from a metabase path, closing the previous ones.
// Each locator fills the layer its kind names, unless an earlier locator took that name.
// Locators which cannot be opened are skipped with a warning, unless the catalog is strict.
//
// Errors:
//
//    - metabase-error-backend -- in debug mode, if a locator cannot be opened
//    - metabase-error-corrupt-data -- in debug mode, if a store carries an unknown format
func (l *List) Update(ctx context.Context, path string) error {
	log := logging.Ctx(ctx)
	opts := locator.Options{ReadOnly: l.cfg.ReadOnly, HTTPClient: l.cfg.HTTPClient}
	var (
		layers []*Metabase
		writer *Metabase
	)
	abandon := func() {
		for _, m := range layers {
			m.close(ctx)
		}
	}
	taken := map[string]bool{}
	for _, loc := range config.SplitPath(path, config.DefaultSeparator) {
		b, err := locator.Open(ctx, l.st, loc, opts)
		if err != nil {
			if l.cfg.Debug {
				abandon()
				return err
			}
			log.Warn(LogTag, "skipping %s: %s", loc, mbapi.Describe(err))
			continue
		}
		name := locator.LayerName(loc, l.st.HomeDirectory)
		if taken[name] {
			name = ""
		}
		taken[name] = true
		m, err := l.newLayer(name, b)
		if err != nil {
			b.Close()
			abandon()
			return err
		}
		layers = append(layers, m)
		if writer == nil && m.saver != nil {
			writer = m
		}
		log.Debug(LogTag, "layer %q: %s (writable: %t)", name, loc, b.Writable())
	}

	l.closeLayers(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.layers = layers
	l.writer = writer
	l.cache = map[mbapi.ResourceID]*resource.Object{}
	l.schema = map[mbapi.ResourceID]schemaEntry{}
	return nil
}

func (l *List) closeLayers(ctx context.Context) error {
	l.mu.Lock()
	layers := l.layers
	l.layers = nil
	l.writer = nil
	l.mu.Unlock()
	var first error
	for _, m := range layers {
		if err := m.close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every layer. Uncommitted work is reported and dropped.
//
// Errors:
//
//    - metabase-error-backend -- if a backend fails to close
func (l *List) Close(ctx context.Context) error {
	if err := l.closeLayers(ctx); err != nil {
		return mbapi.ErrorBackend("catalog", err)
	}
	l.ClearCache()
	return nil
}

// Layers returns the layers in resolution order.
func (l *List) Layers() []*Metabase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Metabase(nil), l.layers...)
}

// Layer returns the layer of the given name.
func (l *List) Layer(name string) (*Metabase, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.layers {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}

// Writer returns the layer writes go to, or nil.
func (l *List) Writer() *Metabase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

func (l *List) writerOrErr() (*Metabase, error) {
	w := l.Writer()
	if w == nil {
		return nil, mbapi.ErrorReadOnly("catalog without a writable layer")
	}
	return w, nil
}

// ClearCache forgets every resolved resource and schema record.
// Objects already handed out keep their attributes.
func (l *List) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = map[mbapi.ResourceID]*resource.Object{}
	l.schema = map[mbapi.ResourceID]schemaEntry{}
}

// GetPendingOrFind returns the object queued as id in any layer, or resolves id.
//
// Errors:
//
//    - metabase-error-not-found -- if id is neither pending nor stored
//    - metabase-error-cycle-detected -- if resolving id leads back to itself
func (l *List) GetPendingOrFind(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error) {
	for _, m := range l.Layers() {
		if m.saver == nil {
			continue
		}
		if obj, ok := m.saver.Pending(id); ok {
			return obj, nil
		}
	}
	return l.Resolve(ctx, id)
}

// Schema returns the schema record stored for id by the first layer holding one.
//
// Errors:
//
//    - metabase-error-not-found -- if no layer stores a schema for id
//    - metabase-error-backend -- in debug mode, if a backend fails
func (l *List) Schema(ctx context.Context, id mbapi.ResourceID) (mbapi.SchemaRecord, error) {
	rec, found, err := l.schemaOf(ctx, id, l.cfg.Debug)
	if err != nil {
		return rec, err
	}
	if !found {
		return rec, mbapi.ErrorNotFound(id, "schema of any layer")
	}
	return rec, nil
}

// SchemaAttr resolves the target of the binding attr in the stored schema of id.
//
// Errors:
//
//    - metabase-error-no-such-attr -- if the schema of id does not bind attr
//    - metabase-error-not-found -- if the target is not stored
func (l *List) SchemaAttr(ctx context.Context, id mbapi.ResourceID, attr string) (*resource.Object, error) {
	rec, found, err := l.schemaOf(ctx, id, l.cfg.Debug)
	if err != nil {
		return nil, err
	}
	args, ok := rec.Binding(attr)
	if !found || !ok {
		return nil, mbapi.ErrorNoSuchAttr(string(id), attr)
	}
	return l.Resolve(ctx, args.TargetID)
}

// Relation returns the relation connecting source to target in the schema graph.
// The first layer with such an edge answers.
//
// Errors:
//
//    - metabase-error-not-found -- if no layer has an edge from source to target
//    - metabase-error-corrupt-data -- if the stored relation cannot be read
func (l *List) Relation(ctx context.Context, source, target mbapi.ResourceID) (schema.Relation, error) {
	log := logging.Ctx(ctx)
	for _, m := range l.Layers() {
		edges, err := m.backend.SchemaEdges(ctx, source, false)
		if err != nil {
			if !mbapi.IsNotFound(err) && l.cfg.Debug {
				return nil, err
			}
			log.Debug(LogTag, "schema graph of %s: %s", m.backend.Locator(), mbapi.Describe(err))
			continue
		}
		name, ok := edges.Values[target]
		if !ok {
			continue
		}
		rec, err := m.backend.GetSchema(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec.SchemaEdge == nil {
			return nil, mbapi.ErrorCorruptData(fmt.Sprintf("schema of relation %s holds no relation", name), nil)
		}
		return schema.FromRecord(*rec.SchemaEdge)
	}
	return nil, mbapi.ErrorNotFound(source+" -> "+target, "schema graph")
}

// listable reports whether an ID is shown in listings: only names starting with a letter are.
func listable(id mbapi.ResourceID) bool {
	r, _ := utf8.DecodeRuneInString(string(id))
	return unicode.IsLetter(r)
}

// cacheView gives the transaction managers access to the catalog cache.
// They call it with List.mu held.
type cacheView struct {
	l *List
}

func (c cacheView) Cached(id mbapi.ResourceID) (*resource.Object, bool) {
	obj, ok := c.l.cache[id]
	return obj, ok
}

func (c cacheView) SetCached(id mbapi.ResourceID, obj *resource.Object) {
	c.l.cache[id] = obj
}

func (c cacheView) Uncache(id mbapi.ResourceID) {
	delete(c.l.cache, id)
}

func (c cacheView) ClearSchemaCache() {
	c.l.schema = map[mbapi.ResourceID]schemaEntry{}
}
