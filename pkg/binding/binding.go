// Package binding installs the lazily resolved attributes a resource's schema declares.
//
// Two kinds of resolver exist.
// An attribute bound directly on a resource resolves to the relation's target resource.
// An item attribute is bound on a container resource and resolves, per item,
// to a lookup of that item in the relation's target mapping.
//
// Resolvers re-read the binding through the catalog's schema cache each time they run,
// so they stay cheap to construct and compare.
package binding

import (
	"context"
	"fmt"
	"strings"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

// Catalog is what resolvers reach their targets through.
type Catalog interface {
	// SchemaAttr resolves the target of the binding attr in the schema of id.
	SchemaAttr(ctx context.Context, id mbapi.ResourceID, attr string) (*resource.Object, error)
}

// BindSchema installs a resolver on obj for every binding in rec.
// Entries whose name starts with "-" are bookkeeping and are skipped,
// as is anything obj's value asks to keep unshadowed.
// Binding the same record twice is a no-op.
//
// Errors:
//
//    - metabase-error-binding-conflict -- if an attribute is already bound differently
func BindSchema(cat Catalog, obj *resource.Object, rec mbapi.SchemaRecord) error {
	for _, attr := range rec.Bindings.Keys {
		if strings.HasPrefix(attr, "-") {
			continue
		}
		if err := BindAttr(cat, obj, attr, rec.Bindings.Values[attr]); err != nil {
			return err
		}
	}
	return nil
}

// BindAttr installs one resolver on obj.
//
// Errors:
//
//    - metabase-error-binding-conflict -- if attr is already bound differently
func BindAttr(cat Catalog, obj *resource.Object, attr string, args mbapi.BindingArgs) error {
	if ig, ok := obj.Value.(resource.ShadowIgnorer); ok && ig.IgnoreShadowAttr(attr) {
		return nil
	}
	if args.ItemRule {
		return obj.BindItemAttr(attr, &ItemResolver{Attr: attr, Args: args, Catalog: cat})
	}
	return obj.BindAttr(attr, &DirectResolver{Attr: attr, Args: args, Catalog: cat})
}

// DirectResolver resolves an attribute to the target resource of its binding.
type DirectResolver struct {
	Attr    string
	Args    mbapi.BindingArgs
	Catalog Catalog
}

func (r *DirectResolver) Resolve(ctx context.Context, h resource.Holder) (interface{}, bool, error) {
	obj, ok := h.(*resource.Object)
	if !ok {
		return nil, false, mbapi.ErrorInternal(fmt.Sprintf("direct attribute %q resolved on %T", r.Attr, h), nil)
	}
	id := obj.ID()
	if id == "" {
		return nil, false, mbapi.ErrorNotRegistered("resolve attribute " + r.Attr)
	}
	target, err := r.Catalog.SchemaAttr(ctx, id, r.Attr)
	if err != nil {
		return nil, false, err
	}
	return target, true, nil
}

func (r *DirectResolver) Assign(ctx context.Context, h resource.Holder, v interface{}) error {
	return mbapi.ErrorSchemaViolation(fmt.Sprintf("attribute %q names another resource and cannot be assigned; save a new relation instead", r.Attr))
}

func (r *DirectResolver) Same(other resource.Resolver) bool {
	o, ok := other.(*DirectResolver)
	return ok && o.Attr == r.Attr && o.Catalog == r.Catalog && o.Args.Equal(r.Args)
}

// ItemResolver resolves an item attribute by looking the item up in the target mapping.
type ItemResolver struct {
	Attr    string
	Args    mbapi.BindingArgs
	Catalog Catalog
}

func (r *ItemResolver) item(h resource.Holder) (*resource.Item, mbapi.ResourceID, error) {
	it, ok := h.(*resource.Item)
	if !ok {
		return nil, "", mbapi.ErrorInternal(fmt.Sprintf("item attribute %q resolved on %T", r.Attr, h), nil)
	}
	id := it.Container().ID()
	if id == "" {
		return nil, "", mbapi.ErrorNotRegistered("resolve item attribute " + r.Attr)
	}
	return it, id, nil
}

// target returns the mapping the relation looks items up in,
// inverted or reduced to its edge view as the binding asks.
func (r *ItemResolver) target(ctx context.Context, container mbapi.ResourceID) (resource.Mapping, error) {
	obj, err := r.Catalog.SchemaAttr(ctx, container, r.Attr)
	if err != nil {
		return nil, err
	}
	var target interface{} = obj
	if r.Args.Invert {
		if target, err = resource.Invert(ctx, target); err != nil {
			return nil, err
		}
	}
	if r.Args.GetEdges {
		return resource.Edges(target)
	}
	return resource.AsMapping(target)
}

// key returns the key the item is looked up by. ok is false when the
// key attribute is nil, which maps to nil.
func (r *ItemResolver) key(ctx context.Context, it *resource.Item) (key string, ok bool, err error) {
	var k interface{} = it
	if r.Args.MapAttr != nil {
		if k, err = it.Attr(ctx, *r.Args.MapAttr); err != nil {
			return "", false, err
		}
		if k == nil {
			return "", false, nil
		}
	}
	key, err = resource.KeyOf(k)
	return key, err == nil, err
}

func (r *ItemResolver) Resolve(ctx context.Context, h resource.Holder) (interface{}, bool, error) {
	it, container, err := r.item(h)
	if err != nil {
		return nil, false, err
	}
	target, err := r.target(ctx, container)
	if err != nil {
		return nil, false, err
	}
	key, ok, err := r.key(ctx, it)
	if err != nil || !ok {
		return nil, false, err
	}
	result, err := target.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if r.Args.TargetAttr != nil {
		if result, err = resource.GetAttr(ctx, result, *r.Args.TargetAttr); err != nil {
			return nil, false, err
		}
	}
	return result, true, nil
}

// Assign writes v as the item's image under the relation.
// Only read-write bindings over a unique mapping accept this:
// graph-valued attributes are edited through the graph itself.
//
// Errors:
//
//    - metabase-error-schema-violation -- if the binding is read-only, not unique, or the target is not assignable
func (r *ItemResolver) Assign(ctx context.Context, h resource.Holder, v interface{}) error {
	if !r.Args.ReadWrite {
		return mbapi.ErrorSchemaViolation(fmt.Sprintf("attribute %q is read-only", r.Attr))
	}
	if !r.Args.UniqueMapping {
		return mbapi.ErrorSchemaViolation(fmt.Sprintf("attribute %q is a graph mapping and cannot be assigned directly; assign into the graph by key instead (graph[x] = edgeInfo)", r.Attr))
	}
	it, container, err := r.item(h)
	if err != nil {
		return err
	}
	target, err := r.target(ctx, container)
	if err != nil {
		return err
	}
	a, ok := target.(resource.Assignable)
	if !ok {
		return mbapi.ErrorSchemaViolation(fmt.Sprintf("the mapping behind attribute %q does not accept assignment", r.Attr))
	}
	key, err := resource.KeyOf(it)
	if err != nil {
		return err
	}
	return a.Assign(ctx, key, v)
}

func (r *ItemResolver) Same(other resource.Resolver) bool {
	o, ok := other.(*ItemResolver)
	return ok && o.Attr == r.Attr && o.Catalog == r.Catalog && o.Args.Equal(r.Args)
}
