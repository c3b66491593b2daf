// Package schema holds the relations a catalog can declare between resources,
// and the bindings each of them writes when committed.
package schema

import (
	"context"
	"fmt"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

// Sink receives what a relation writes when it is committed.
type Sink interface {
	// SaveBinding stores one attribute binding in the schema of id.
	SaveBinding(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error

	// SaveSchemaEdge stores the relation under its own name and adds
	// the edge from its source to its target to the schema graph.
	SaveSchemaEdge(ctx context.Context, rec mbapi.RelationRecord) error

	// PendingOrFind returns a resource even if it is only pending.
	PendingOrFind(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error)
}

// Store is what a relation deletes its bindings from.
type Store interface {
	GetSchema(ctx context.Context, id mbapi.ResourceID) (mbapi.SchemaRecord, error)
	DeleteSchema(ctx context.Context, id mbapi.ResourceID, attr string) error
	DeleteSchemaEdge(ctx context.Context, source, target mbapi.ResourceID) error
}

// Relation is a declared relationship between resources.
type Relation interface {
	// SaveSchema writes the bindings of the relation declared as attr on source.
	SaveSchema(ctx context.Context, source mbapi.ResourceID, attr string, sink Sink) error

	// DeleteSchema removes exactly the bindings SaveSchema wrote.
	DeleteSchema(ctx context.Context, store Store) error

	// Record is the stored form of the relation.
	Record() mbapi.RelationRecord
}

// deleteBindingIfOwned removes attr from the schema of id,
// but only while it still points at target: another relation may have rebound it since.
func deleteBindingIfOwned(ctx context.Context, store Store, id mbapi.ResourceID, attr string, target mbapi.ResourceID, itemRule bool) error {
	rec, err := store.GetSchema(ctx, id)
	if err != nil {
		if mbapi.IsNotFound(err) {
			return nil
		}
		return err
	}
	args, ok := rec.Binding(attr)
	if !ok || args.TargetID != target || args.ItemRule != itemRule {
		return nil
	}
	if err := store.DeleteSchema(ctx, id, attr); err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	if err := store.DeleteSchemaEdge(ctx, mbapi.BindingRef(id, attr), target); err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	return nil
}

// Direct binds an attribute to the target resource itself.
type Direct struct {
	TargetID mbapi.ResourceID
	Options  mbapi.BindingOptions

	name mbapi.ResourceID
}

func NewDirect(target mbapi.ResourceID) *Direct {
	return &Direct{TargetID: target}
}

func (r *Direct) SaveSchema(ctx context.Context, source mbapi.ResourceID, attr string, sink Sink) error {
	r.name = source.Child(attr)
	return sink.SaveBinding(ctx, source, attr, r.Options.Args(r.TargetID, false))
}

func (r *Direct) DeleteSchema(ctx context.Context, store Store) error {
	if r.name == "" {
		return nil
	}
	return deleteBindingIfOwned(ctx, store, r.name.Parent(), r.name.Last(), r.TargetID, false)
}

func (r *Direct) Record() mbapi.RelationRecord {
	return mbapi.RelationRecord{Kind: mbapi.RelationDirect, Name: r.name, TargetID: r.TargetID}
}

// Item binds an attribute on every item of a container to a lookup in the target mapping.
type Item struct {
	TargetID mbapi.ResourceID
	Options  mbapi.BindingOptions

	name mbapi.ResourceID
}

func NewItem(target mbapi.ResourceID) *Item {
	return &Item{TargetID: target}
}

func (r *Item) SaveSchema(ctx context.Context, source mbapi.ResourceID, attr string, sink Sink) error {
	r.name = source.Child(attr)
	return sink.SaveBinding(ctx, source, attr, r.Options.Args(r.TargetID, true))
}

func (r *Item) DeleteSchema(ctx context.Context, store Store) error {
	if r.name == "" {
		return nil
	}
	return deleteBindingIfOwned(ctx, store, r.name.Parent(), r.name.Last(), r.TargetID, true)
}

func (r *Item) Record() mbapi.RelationRecord {
	return mbapi.RelationRecord{Kind: mbapi.RelationItem, Name: r.name, TargetID: r.TargetID}
}

// Graph is a mapping resource relating items of a source container to items of a target container,
// optionally with a container of edge information.
//
// Declared as attr on a path, the mapping resource is the one named path.attr.
// It gets sourceDB, targetDB, and edgeDB bindings,
// and each non-empty BindAttrs entry binds an item attribute on the
// source (forward), target (inverse), or edge (edge view) container.
type Graph struct {
	Kind      mbapi.RelationKind
	SourceID  mbapi.ResourceID
	TargetID  mbapi.ResourceID
	EdgeID    mbapi.ResourceID
	BindAttrs [3]string

	name mbapi.ResourceID
}

func newGraph(kind mbapi.RelationKind, source, target, edge mbapi.ResourceID, bindAttrs []string) *Graph {
	g := &Graph{Kind: kind, SourceID: source, TargetID: target, EdgeID: edge}
	copy(g.BindAttrs[:], bindAttrs)
	return g
}

// ManyToMany relates every source item to any number of target items, with optional edge info.
func ManyToMany(source, target, edge mbapi.ResourceID, bindAttrs ...string) *Graph {
	return newGraph(mbapi.RelationManyToMany, source, target, edge, bindAttrs)
}

func OneToMany(source, target, edge mbapi.ResourceID, bindAttrs ...string) *Graph {
	return newGraph(mbapi.RelationOneToMany, source, target, edge, bindAttrs)
}

func OneToOne(source, target, edge mbapi.ResourceID, bindAttrs ...string) *Graph {
	return newGraph(mbapi.RelationOneToOne, source, target, edge, bindAttrs)
}

func ManyToOne(source, target, edge mbapi.ResourceID, bindAttrs ...string) *Graph {
	return newGraph(mbapi.RelationManyToOne, source, target, edge, bindAttrs)
}

// Name is the ResourceID of the mapping resource, known once the relation is saved.
func (r *Graph) Name() mbapi.ResourceID {
	return r.name
}

func (r *Graph) bindTargets() [3]mbapi.ResourceID {
	return [3]mbapi.ResourceID{r.SourceID, r.TargetID, r.EdgeID}
}

func (r *Graph) SaveSchema(ctx context.Context, path mbapi.ResourceID, attr string, sink Sink) error {
	name := path.Child(attr)
	r.name = name
	if err := sink.SaveSchemaEdge(ctx, r.Record()); err != nil {
		return err
	}
	if err := NewDirect(r.SourceID).SaveSchema(ctx, name, "sourceDB", sink); err != nil {
		return err
	}
	if err := NewDirect(r.TargetID).SaveSchema(ctx, name, "targetDB", sink); err != nil {
		return err
	}
	if r.EdgeID != "" {
		if err := NewDirect(r.EdgeID).SaveSchema(ctx, name, "edgeDB", sink); err != nil {
			return err
		}
	}
	if r.BindAttrs == [3]string{} {
		return nil
	}

	bindOpts := [3]mbapi.BindingOptions{{}, {Invert: true}, {GetEdges: true}}
	mapping, err := sink.PendingOrFind(ctx, name)
	switch {
	case err == nil:
		if p, ok := mapping.Value.(resource.InverseSchemaProvider); ok {
			bindOpts[1] = p.InverseSchema()
		}
	case mbapi.IsNotFound(err):
		// the mapping is not stored yet; use the default inverse
	default:
		return err
	}
	targets := r.bindTargets()
	for i, attr := range r.BindAttrs {
		if attr == "" {
			continue
		}
		if targets[i] == "" {
			return mbapi.ErrorSchemaViolation(fmt.Sprintf("relation %s binds %q on its edge container, but has none", name, attr))
		}
		item := &Item{TargetID: name, Options: bindOpts[i]}
		if err := item.SaveSchema(ctx, targets[i], attr, sink); err != nil {
			return err
		}
	}
	return nil
}

func (r *Graph) DeleteSchema(ctx context.Context, store Store) error {
	if r.name == "" {
		return nil
	}
	targets := r.bindTargets()
	for i, attr := range r.BindAttrs {
		if attr == "" || targets[i] == "" {
			continue
		}
		if err := deleteBindingIfOwned(ctx, store, targets[i], attr, r.name, true); err != nil {
			return err
		}
	}
	if err := store.DeleteSchemaEdge(ctx, r.SourceID, r.TargetID); err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Graph) Record() mbapi.RelationRecord {
	rec := mbapi.RelationRecord{
		Kind:     r.Kind,
		Name:     r.name,
		TargetID: r.TargetID,
	}
	src := r.SourceID
	rec.SourceID = &src
	if r.EdgeID != "" {
		e := r.EdgeID
		rec.EdgeID = &e
	}
	rec.BindAttrs = make([]*string, 3)
	for i, a := range r.BindAttrs {
		if a != "" {
			s := a
			rec.BindAttrs[i] = &s
		}
	}
	return rec
}

// Inverse declares a resource and a target as each other's inverse:
// each gets an `inverseDB` binding to the other.
type Inverse struct {
	TargetID mbapi.ResourceID

	name mbapi.ResourceID
}

func NewInverse(target mbapi.ResourceID) *Inverse {
	return &Inverse{TargetID: target}
}

func (r *Inverse) SaveSchema(ctx context.Context, path mbapi.ResourceID, attr string, sink Sink) error {
	name := path.Child(attr)
	r.name = name
	if err := sink.SaveSchemaEdge(ctx, r.Record()); err != nil {
		return err
	}
	if err := NewDirect(r.TargetID).SaveSchema(ctx, name, resource.InverseAttr, sink); err != nil {
		return err
	}
	return NewDirect(name).SaveSchema(ctx, r.TargetID, resource.InverseAttr, sink)
}

func (r *Inverse) DeleteSchema(ctx context.Context, store Store) error {
	if r.name == "" {
		return nil
	}
	if err := deleteBindingIfOwned(ctx, store, r.TargetID, resource.InverseAttr, r.name, false); err != nil {
		return err
	}
	if err := store.DeleteSchemaEdge(ctx, r.name, r.TargetID); err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Inverse) Record() mbapi.RelationRecord {
	name := r.name
	return mbapi.RelationRecord{
		Kind:     mbapi.RelationInverse,
		Name:     r.name,
		SourceID: &name,
		TargetID: r.TargetID,
	}
}

// FromRecord rebuilds a relation from its stored form.
//
// Errors:
//
//    - metabase-error-corrupt-data -- if the record has an unknown kind or misses fields
func FromRecord(rec mbapi.RelationRecord) (Relation, error) {
	switch rec.Kind {
	case mbapi.RelationDirect:
		return &Direct{TargetID: rec.TargetID, name: rec.Name}, nil
	case mbapi.RelationItem:
		return &Item{TargetID: rec.TargetID, name: rec.Name}, nil
	case mbapi.RelationInverse:
		return &Inverse{TargetID: rec.TargetID, name: rec.Name}, nil
	case mbapi.RelationManyToMany, mbapi.RelationOneToMany, mbapi.RelationOneToOne, mbapi.RelationManyToOne:
		if rec.SourceID == nil {
			return nil, mbapi.ErrorCorruptData(fmt.Sprintf("%s relation %s has no source", rec.Kind, rec.Name), nil)
		}
		g := &Graph{Kind: rec.Kind, SourceID: *rec.SourceID, TargetID: rec.TargetID, name: rec.Name}
		if rec.EdgeID != nil {
			g.EdgeID = *rec.EdgeID
		}
		for i, a := range rec.BindAttrs {
			if i >= len(g.BindAttrs) {
				break
			}
			if a != nil {
				g.BindAttrs[i] = *a
			}
		}
		return g, nil
	}
	return nil, mbapi.ErrorCorruptData(fmt.Sprintf("unknown relation kind %q", rec.Kind), nil)
}
