package txn

import (
	"context"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/schema"
)

// journal writes to a backend while remembering what each touched key held before,
// so a failed commit can put the backend back the way it was.
type journal struct {
	b      backend.Backend
	finder Finder

	undo    []func(ctx context.Context) error
	data    map[mbapi.ResourceID]bool
	schemas map[mbapi.ResourceID]bool
	edges   map[[2]mbapi.ResourceID]bool
	touched []mbapi.ResourceID // schema records written, in order
}

var _ schema.Sink = (*journal)(nil)

func newJournal(b backend.Backend, finder Finder) *journal {
	return &journal{
		b:       b,
		finder:  finder,
		data:    map[mbapi.ResourceID]bool{},
		schemas: map[mbapi.ResourceID]bool{},
		edges:   map[[2]mbapi.ResourceID]bool{},
	}
}

func (j *journal) rememberData(ctx context.Context, id mbapi.ResourceID) error {
	if j.data[id] {
		return nil
	}
	prev, err := j.b.Get(ctx, id, false)
	switch {
	case mbapi.IsNotFound(err):
		j.undo = append(j.undo, func(ctx context.Context) error {
			if err := j.b.Delete(ctx, id); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
			return nil
		})
	case err != nil:
		return err
	default:
		j.undo = append(j.undo, func(ctx context.Context) error { return j.b.Put(ctx, prev) })
	}
	j.data[id] = true
	return nil
}

func (j *journal) rememberSchema(ctx context.Context, id mbapi.ResourceID) error {
	if j.schemas[id] {
		return nil
	}
	prev, err := j.b.GetSchema(ctx, id)
	switch {
	case mbapi.IsNotFound(err):
		j.undo = append(j.undo, func(ctx context.Context) error {
			if err := j.b.DeleteSchemaRecord(ctx, id); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
			return nil
		})
	case err != nil:
		return err
	default:
		j.undo = append(j.undo, func(ctx context.Context) error { return j.b.PutSchemaRecord(ctx, id, prev) })
	}
	j.schemas[id] = true
	j.touched = append(j.touched, id)
	return nil
}

func (j *journal) rememberEdge(ctx context.Context, source, target mbapi.ResourceID) error {
	key := [2]mbapi.ResourceID{source, target}
	if j.edges[key] {
		return nil
	}
	out, err := j.b.SchemaEdges(ctx, source, false)
	if err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	if relation, ok := out.Values[target]; ok {
		j.undo = append(j.undo, func(ctx context.Context) error { return j.b.PutSchemaEdge(ctx, source, target, relation) })
	} else {
		j.undo = append(j.undo, func(ctx context.Context) error {
			if err := j.b.DeleteSchemaEdge(ctx, source, target); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
			return nil
		})
	}
	j.edges[key] = true
	return nil
}

// Put stores rec after remembering what its key held.
func (j *journal) Put(ctx context.Context, rec mbapi.ResourceRecord) error {
	if err := j.rememberData(ctx, rec.ID); err != nil {
		return err
	}
	return j.b.Put(ctx, rec)
}

// SaveBinding stores the binding and points its ref at the target.
// A ref still pointing at a previous target is moved.
func (j *journal) SaveBinding(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error {
	if err := j.rememberSchema(ctx, id); err != nil {
		return err
	}
	prev, err := j.b.GetSchema(ctx, id)
	if err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	if err := j.b.PutSchema(ctx, id, attr, args); err != nil {
		return err
	}
	ref := mbapi.BindingRef(id, attr)
	if old, ok := prev.Binding(attr); ok && old.TargetID != args.TargetID {
		if err := j.rememberEdge(ctx, ref, old.TargetID); err != nil {
			return err
		}
		if err := j.b.DeleteSchemaEdge(ctx, ref, old.TargetID); err != nil && !mbapi.IsNotFound(err) {
			return err
		}
	}
	if err := j.rememberEdge(ctx, ref, args.TargetID); err != nil {
		return err
	}
	return j.b.PutSchemaEdge(ctx, ref, args.TargetID, id.Child(attr))
}

func (j *journal) SaveSchemaEdge(ctx context.Context, rec mbapi.RelationRecord) error {
	if err := j.rememberSchema(ctx, rec.Name); err != nil {
		return err
	}
	stored, err := j.b.GetSchema(ctx, rec.Name)
	if err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	stored.SchemaEdge = &rec
	if err := j.b.PutSchemaRecord(ctx, rec.Name, stored); err != nil {
		return err
	}
	if rec.SourceID == nil {
		return nil
	}
	if err := j.rememberEdge(ctx, *rec.SourceID, rec.TargetID); err != nil {
		return err
	}
	return j.b.PutSchemaEdge(ctx, *rec.SourceID, rec.TargetID, rec.Name)
}

func (j *journal) PendingOrFind(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error) {
	return j.finder.GetPendingOrFind(ctx, id)
}

// Undo replays the journal backwards. Every step is attempted;
// the first failure is returned.
func (j *journal) Undo(ctx context.Context) error {
	var first error
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](ctx); err != nil {
			logging.Ctx(ctx).Warn(LogTag, "undo step failed: %s", mbapi.Describe(err))
			if first == nil {
				first = err
			}
		}
	}
	j.undo = nil
	return first
}
