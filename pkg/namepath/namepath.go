// Package namepath builds dotted resource names one segment at a time.
//
// A ResourcePath stands for a name in a catalog, such as "Bio.Seq.Genome".
// Getting it resolves the name; setting or deleting a child of it queues the
// write in the catalog's open transaction. A SchemaPath does the same for
// the relations saved on a name.
package namepath

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/metabase"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/schema"
)

// Catalog is what resource paths read and write through.
// *metabase.List implements it.
type Catalog interface {
	Resolve(ctx context.Context, id mbapi.ResourceID, opts ...metabase.ResolveOption) (*resource.Object, error)
	AddResource(ctx context.Context, id mbapi.ResourceID, obj *resource.Object) error
	DeleteResource(ctx context.Context, id mbapi.ResourceID) error
	Dir(ctx context.Context, prefix string, opts ...metabase.DirOption) ([]mbapi.ResourceID, error)
	RootNames(ctx context.Context) ([]string, error)
}

// SchemaCatalog is what schema paths write through.
// *metabase.List implements it.
type SchemaCatalog interface {
	QueueSchema(ctx context.Context, path mbapi.ResourceID, attr string, rel schema.Relation) error
	DeleteRelation(ctx context.Context, path mbapi.ResourceID, attr string) error
}

var (
	_ Catalog       = (*metabase.List)(nil)
	_ SchemaCatalog = (*metabase.List)(nil)
)

// ResourcePath is a name in a catalog.
type ResourcePath struct {
	id  mbapi.ResourceID
	cat Catalog

	mu   sync.Mutex
	kids map[string]*ResourcePath
}

// Root returns the path above every name of cat.
func Root(cat Catalog) *ResourcePath {
	return &ResourcePath{cat: cat}
}

// ID returns the name the path stands for. The root path has the empty ID.
func (p *ResourcePath) ID() mbapi.ResourceID { return p.id }

func (p *ResourcePath) String() string { return string(p.id) }

// Child extends the path by name, which may hold several dotted segments.
// Names are checked when the path is used, not when it is built.
func (p *ResourcePath) Child(name string) *ResourcePath {
	for _, seg := range strings.Split(name, ".") {
		p = p.child(seg)
	}
	return p
}

func (p *ResourcePath) child(seg string) *ResourcePath {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.kids[seg]; ok {
		return c
	}
	if p.kids == nil {
		p.kids = map[string]*ResourcePath{}
	}
	c := &ResourcePath{id: p.id.Child(seg), cat: p.cat}
	p.kids[seg] = c
	return c
}

// Get resolves the name.
//
// Errors:
//
//    - metabase-error-invalid-id -- if the path does not form a valid ResourceID
//    - metabase-error-not-found -- if no layer holds the name
//    - metabase-error-cycle-detected -- if decoding requires resolving the name itself
//    - metabase-error-corrupt-data -- if the stored record cannot be decoded
func (p *ResourcePath) Get(ctx context.Context, opts ...metabase.ResolveOption) (*resource.Object, error) {
	return p.cat.Resolve(ctx, p.id, opts...)
}

// Set queues obj to be saved under the child name.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-invalid-id -- if the child does not form a valid ResourceID
//    - metabase-error-missing-description -- if obj has no description
//    - metabase-error-id-mismatch -- if obj is already registered under another ID
func (p *ResourcePath) Set(ctx context.Context, name string, obj *resource.Object) error {
	return p.cat.AddResource(ctx, p.Child(name).id, obj)
}

// Delete deletes the child name from the writer layer, and forgets the child path.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-not-found -- if the child is neither pending nor stored
func (p *ResourcePath) Delete(ctx context.Context, name string) error {
	owner := p
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		owner, name = p.Child(name[:i]), name[i+1:]
	}
	if err := p.cat.DeleteResource(ctx, owner.id.Child(name)); err != nil {
		return err
	}
	owner.mu.Lock()
	delete(owner.kids, name)
	owner.mu.Unlock()
	return nil
}

// Children lists the names one segment below the path that some layer stores
// something under, sorted. On the root path, these are the root names.
//
// Errors:
//
//    - metabase-error-backend -- in debug mode, if a backend cannot be listed
func (p *ResourcePath) Children(ctx context.Context) ([]string, error) {
	if p.id == "" {
		return p.cat.RootNames(ctx)
	}
	prefix := string(p.id) + "."
	ids, err := p.cat.Dir(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var result []string
	for _, id := range ids {
		rest := strings.TrimPrefix(string(id), prefix)
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		result = append(result, rest)
	}
	sort.Strings(result)
	return result, nil
}

// SchemaPath is a name whose relations are being declared.
type SchemaPath struct {
	id  mbapi.ResourceID
	cat SchemaCatalog

	mu   sync.Mutex
	kids map[string]*SchemaPath
}

// SchemaRoot returns the schema path above every name of cat.
func SchemaRoot(cat SchemaCatalog) *SchemaPath {
	return &SchemaPath{cat: cat}
}

func (p *SchemaPath) ID() mbapi.ResourceID { return p.id }

func (p *SchemaPath) String() string { return string(p.id) }

// Child extends the path by name, which may hold several dotted segments.
func (p *SchemaPath) Child(name string) *SchemaPath {
	for _, seg := range strings.Split(name, ".") {
		p.mu.Lock()
		c, ok := p.kids[seg]
		if !ok {
			if p.kids == nil {
				p.kids = map[string]*SchemaPath{}
			}
			c = &SchemaPath{id: p.id.Child(seg), cat: p.cat}
			p.kids[seg] = c
		}
		p.mu.Unlock()
		p = c
	}
	return p
}

// Set queues rel to be saved as attr on the path. It takes effect on commit.
//
// Errors:
//
//    - metabase-error-invalid -- if rel is nil
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-invalid-id -- if path.attr is not a valid ResourceID
func (p *SchemaPath) Set(ctx context.Context, attr string, rel schema.Relation) error {
	if rel == nil {
		return mbapi.ErrorInvalid("not a relation", [2]string{"attr", string(p.id.Child(attr))})
	}
	return p.cat.QueueSchema(ctx, p.id, attr, rel)
}

// Delete removes the relation saved as attr on the path, along with
// the bindings it installed on other resources.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-not-found -- if no relation is saved as attr on the path
func (p *SchemaPath) Delete(ctx context.Context, attr string) error {
	return p.cat.DeleteRelation(ctx, p.id, attr)
}
