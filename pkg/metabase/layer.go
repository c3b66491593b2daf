package metabase

import (
	"context"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/binding"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/schema"
	"github.com/warptools/metabase/pkg/txn"
)

// Metabase is one layer of a catalog: a backend and, when it is writable,
// the transaction manager queueing writes to it.
type Metabase struct {
	name    string
	backend backend.Backend
	saver   *txn.Saver
	list    *List
}

// Name is the layer name, such as "my" or "remote", or empty.
func (m *Metabase) Name() string { return m.name }

func (m *Metabase) Backend() backend.Backend { return m.backend }

func (m *Metabase) Writable() bool { return m.saver != nil }

// HasPending reports whether uncommitted work is queued on the layer.
func (m *Metabase) HasPending() bool {
	return m.saver != nil && m.saver.HasPending()
}

func (m *Metabase) saverOrErr() (*txn.Saver, error) {
	if m.saver == nil {
		return nil, mbapi.ErrorReadOnly(m.backend.Locator())
	}
	return m.saver, nil
}

// AddResource queues obj to be saved as id on this layer.
// The object is resolvable at once, from the catalog cache.
//
// Errors:
//
//    - metabase-error-read-only -- if the layer is not writable
//    - metabase-error-invalid-id -- if id is not a valid ResourceID
//    - metabase-error-missing-description -- if obj has no description
//    - metabase-error-id-mismatch -- if obj is already registered under another ID
func (m *Metabase) AddResource(ctx context.Context, id mbapi.ResourceID, obj *resource.Object) error {
	s, err := m.saverOrErr()
	if err != nil {
		return err
	}
	return s.AddResource(ctx, id, obj)
}

// QueueSchema queues rel to be saved as attr on path.
//
// Errors:
//
//    - metabase-error-read-only -- if the layer is not writable
//    - metabase-error-invalid-id -- if path.attr is not a valid ResourceID
func (m *Metabase) QueueSchema(ctx context.Context, path mbapi.ResourceID, attr string, rel schema.Relation) error {
	s, err := m.saverOrErr()
	if err != nil {
		return err
	}
	return s.QueueSchema(ctx, path, attr, rel)
}

// DeleteResource removes id from the layer and from the catalog cache,
// along with every relation stored on it or connecting it to another resource.
// Cached objects are rebound to what remains of their schema.
//
// Errors:
//
//    - metabase-error-read-only -- if the layer is not writable
//    - metabase-error-not-found -- if id is neither pending nor stored on the layer
func (m *Metabase) DeleteResource(ctx context.Context, id mbapi.ResourceID) error {
	s, err := m.saverOrErr()
	if err != nil {
		return err
	}
	if err := s.Delete(ctx, id); err != nil {
		return err
	}
	return m.list.rebind(ctx, txn.Result{Written: m.list.cachedIDs()})
}

// DeleteRelation removes the relation saved as attr on path, queued or stored.
// Cached objects are rebound to what remains of their schema.
//
// Errors:
//
//    - metabase-error-read-only -- if the layer is not writable
//    - metabase-error-not-found -- if no relation is saved as attr on path
func (m *Metabase) DeleteRelation(ctx context.Context, path mbapi.ResourceID, attr string) error {
	s, err := m.saverOrErr()
	if err != nil {
		return err
	}
	if err := s.DeleteRelation(ctx, path, attr); err != nil {
		return err
	}
	return m.list.rebind(ctx, txn.Result{Written: m.list.cachedIDs()})
}

// Commit saves the queued work, then binds the new schema onto cached objects.
//
// Errors:
//
//    - metabase-error-read-only -- if the layer is not writable
//    - metabase-error-empty-transaction -- if nothing is pending
//    - metabase-error-not-portable -- if a pending resource depends on local state
//    - metabase-error-not-serializable -- if a pending resource cannot be encoded
//    - metabase-error-backend -- if a backend write fails
func (m *Metabase) Commit(ctx context.Context) (txn.Result, error) {
	s, err := m.saverOrErr()
	if err != nil {
		return txn.Result{}, err
	}
	res, err := s.Commit(ctx)
	if err != nil {
		return res, err
	}
	if err := m.list.rebind(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// Rollback drops the queued work and restores the cache.
//
// Errors:
//
//    - metabase-error-read-only -- if the layer is not writable
//    - metabase-error-empty-transaction -- if nothing is pending
func (m *Metabase) Rollback(ctx context.Context) error {
	s, err := m.saverOrErr()
	if err != nil {
		return err
	}
	return s.Rollback(ctx)
}

// Dir lists the IDs stored on this layer alone.
//
// Errors:
//
//    - metabase-error-backend -- if the backend cannot be listed
func (m *Metabase) Dir(ctx context.Context, prefix string) ([]mbapi.ResourceID, error) {
	return m.list.Dir(ctx, prefix, func(o *dirOptions) { o.only = m })
}

func (m *Metabase) close(ctx context.Context) error {
	if m.saver != nil {
		m.saver.Close(ctx)
	}
	return m.backend.Close()
}

// rebind gives cached objects touched by a commit the schema now stored for them.
// Attribute values cached on them are dropped.
func (l *List) rebind(ctx context.Context, res txn.Result) error {
	ids := append(append([]mbapi.ResourceID(nil), res.Written...), res.Schemas...)
	seen := map[mbapi.ResourceID]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		l.mu.Lock()
		obj, ok := l.cache[id]
		l.mu.Unlock()
		if !ok {
			continue
		}
		rec, found, err := l.schemaOf(ctx, id, l.cfg.Debug)
		if err != nil {
			return err
		}
		obj.Unbind()
		if !found {
			continue
		}
		if err := binding.BindSchema(l, obj, rec); err != nil {
			return err
		}
		logging.Ctx(ctx).Debug(LogTag, "rebound %s", id)
	}
	return nil
}

func (l *List) cachedIDs() []mbapi.ResourceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]mbapi.ResourceID, 0, len(l.cache))
	for id := range l.cache {
		ids = append(ids, id)
	}
	return ids
}

// AddResource queues obj on the writer layer.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-invalid-id -- if id is not a valid ResourceID
//    - metabase-error-missing-description -- if obj has no description
//    - metabase-error-id-mismatch -- if obj is already registered under another ID
func (l *List) AddResource(ctx context.Context, id mbapi.ResourceID, obj *resource.Object) error {
	w, err := l.writerOrErr()
	if err != nil {
		return err
	}
	return w.AddResource(ctx, id, obj)
}

// QueueSchema queues a relation on the writer layer.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-invalid-id -- if path.attr is not a valid ResourceID
func (l *List) QueueSchema(ctx context.Context, path mbapi.ResourceID, attr string, rel schema.Relation) error {
	w, err := l.writerOrErr()
	if err != nil {
		return err
	}
	return w.QueueSchema(ctx, path, attr, rel)
}

// DeleteResource deletes id from the writer layer. Lower layers are untouched,
// so a copy stored there becomes visible once the cache is cleared.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-not-found -- if id is neither pending nor stored on the writer
func (l *List) DeleteResource(ctx context.Context, id mbapi.ResourceID) error {
	w, err := l.writerOrErr()
	if err != nil {
		return err
	}
	return w.DeleteResource(ctx, id)
}

// DeleteRelation removes a relation from the writer layer.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-not-found -- if no relation is saved as attr on path
func (l *List) DeleteRelation(ctx context.Context, path mbapi.ResourceID, attr string) error {
	w, err := l.writerOrErr()
	if err != nil {
		return err
	}
	return w.DeleteRelation(ctx, path, attr)
}

// Commit commits the writer layer.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-empty-transaction -- if nothing is pending
//    - metabase-error-not-portable -- if a pending resource depends on local state
//    - metabase-error-not-serializable -- if a pending resource cannot be encoded
//    - metabase-error-backend -- if a backend write fails
func (l *List) Commit(ctx context.Context) (txn.Result, error) {
	w, err := l.writerOrErr()
	if err != nil {
		return txn.Result{}, err
	}
	return w.Commit(ctx)
}

// Rollback rolls back the writer layer.
//
// Errors:
//
//    - metabase-error-read-only -- if the catalog has no writable layer
//    - metabase-error-empty-transaction -- if nothing is pending
func (l *List) Rollback(ctx context.Context) error {
	w, err := l.writerOrErr()
	if err != nil {
		return err
	}
	return w.Rollback(ctx)
}
