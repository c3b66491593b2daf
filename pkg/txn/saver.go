// Package txn queues writes for one writable backend and applies them on commit.
//
// A Saver moves between three states. Queueing a resource or a schema relation
// moves it from Idle to Pending. Commit encodes every pending resource, then
// writes all data, then all schema, and returns to Idle. If any write fails,
// everything already written is put back, the cache is restored, and the
// queue stays Pending so the caller can retry or roll back.
//
// The Saver never commits on its own: pending work left at Close is only reported.
package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/schema"
	"github.com/warptools/metabase/pkg/serial"
	"github.com/warptools/metabase/pkg/tracing"
)

const LogTag = "txn"

type State int

const (
	Idle State = iota
	Pending
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Committing:
		return "committing"
	}
	return "unknown"
}

// Cache is the catalog's resource cache.
// The Saver only calls it while holding Config.Lock.
type Cache interface {
	Cached(id mbapi.ResourceID) (*resource.Object, bool)
	SetCached(id mbapi.ResourceID, obj *resource.Object)
	Uncache(id mbapi.ResourceID)
	ClearSchemaCache()
}

// Finder finds a resource whether it is pending in any layer or already stored.
// Relations consult it while their schema is written.
type Finder interface {
	GetPendingOrFind(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error)
}

type Config struct {
	Backend backend.Backend
	Cache   Cache
	Finder  Finder

	// Lock guards the cache and the queue. It must be the catalog's lock
	// when several savers share one cache. Nil means a private mutex.
	Lock sync.Locker

	// User is recorded in the metadata of every written resource.
	User     string
	Registry *serial.Registry

	// Now defaults to time.Now.
	Now func() time.Time
}

type queuedSchema struct {
	path mbapi.ResourceID
	attr string
	rel  schema.Relation
}

// Saver is the transaction manager of one writable backend.
type Saver struct {
	cfg Config
	mu  sync.Locker

	state    State
	txnID    string
	order    []mbapi.ResourceID
	writes   map[mbapi.ResourceID]*resource.Object
	schemas  []mbapi.ResourceID
	relation map[mbapi.ResourceID]queuedSchema
	// snapshot holds the cached object of every queued ID as it was before
	// the transaction; a nil entry means the ID was not cached.
	snapshot map[mbapi.ResourceID]*resource.Object
}

// Result reports what a commit wrote.
type Result struct {
	TxnID string

	// Written lists the resources stored, in queue order.
	Written []mbapi.ResourceID

	// Schemas lists the schema records touched, in write order.
	Schemas []mbapi.ResourceID
}

// New returns an idle Saver.
//
// Errors:
//
//    - metabase-error-read-only -- if the backend is not writable
func New(cfg Config) (*Saver, error) {
	if !cfg.Backend.Writable() {
		return nil, mbapi.ErrorReadOnly(cfg.Backend.Locator())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	mu := cfg.Lock
	if mu == nil {
		mu = &sync.Mutex{}
	}
	s := &Saver{cfg: cfg, mu: mu}
	s.reset()
	return s, nil
}

func (s *Saver) reset() {
	s.state = Idle
	s.txnID = ""
	s.order = nil
	s.writes = map[mbapi.ResourceID]*resource.Object{}
	s.schemas = nil
	s.relation = map[mbapi.ResourceID]queuedSchema{}
	s.snapshot = map[mbapi.ResourceID]*resource.Object{}
}

func (s *Saver) Backend() backend.Backend { return s.cfg.Backend }

func (s *Saver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin moves Idle to Pending. Caller holds the lock.
func (s *Saver) begin(ctx context.Context) error {
	switch s.state {
	case Committing:
		return mbapi.ErrorInvalid("cannot queue while a commit is in progress",
			[2]string{"locator", s.cfg.Backend.Locator()})
	case Idle:
		s.state = Pending
		s.txnID = uuid.New().String()
		logging.Ctx(ctx).Debug(LogTag, "transaction %s opened on %s", s.txnID, s.cfg.Backend.Locator())
	}
	return nil
}

// AddResource queues obj to be written as id and makes it resolvable from the cache at once.
// Once queued, obj carries id for good. Queueing the same id again replaces the pending object
// without creating a second entry.
//
// Errors:
//
//    - metabase-error-invalid-id -- if id is not a valid ResourceID
//    - metabase-error-missing-description -- if obj has no description
//    - metabase-error-id-mismatch -- if obj is already registered under another ID
//    - metabase-error-invalid -- if a commit is in progress
func (s *Saver) AddResource(ctx context.Context, id mbapi.ResourceID, obj *resource.Object) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if obj.Doc == "" {
		return mbapi.ErrorMissingDescription(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wasIdle := s.state == Idle
	if err := s.begin(ctx); err != nil {
		return err
	}
	if err := obj.AssignID(id); err != nil {
		if wasIdle {
			s.reset()
		}
		return err
	}
	if _, queued := s.writes[id]; !queued {
		s.order = append(s.order, id)
	}
	s.writes[id] = obj
	if _, seen := s.snapshot[id]; !seen {
		prev, _ := s.cfg.Cache.Cached(id)
		s.snapshot[id] = prev
	}
	s.cfg.Cache.SetCached(id, obj)
	return nil
}

// QueueSchema queues rel to be saved as attr on path.
// A relation queued again under the same path and attribute replaces the earlier one.
//
// Errors:
//
//    - metabase-error-invalid-id -- if path.attr is not a valid ResourceID
//    - metabase-error-invalid -- if a commit is in progress
func (s *Saver) QueueSchema(ctx context.Context, path mbapi.ResourceID, attr string, rel schema.Relation) error {
	key := path.Child(attr)
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}
	if _, queued := s.relation[key]; !queued {
		s.schemas = append(s.schemas, key)
	}
	s.relation[key] = queuedSchema{path: path, attr: attr, rel: rel}
	return nil
}

// Pending returns the object queued as id.
func (s *Saver) Pending(id mbapi.ResourceID) (*resource.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.writes[id]
	return obj, ok
}

func (s *Saver) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Idle
}

// List returns the queued resource IDs starting with prefix, sorted.
func (s *Saver) List(prefix string) []mbapi.ResourceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []mbapi.ResourceID
	for _, id := range s.order {
		if id.HasPrefix(prefix) {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Commit writes every pending resource, then every pending schema relation.
// Either all of it lands in the backend or none of it does.
//
// Errors:
//
//    - metabase-error-empty-transaction -- if nothing is pending
//    - metabase-error-invalid -- if another commit is in progress
//    - metabase-error-not-portable -- if a pending resource depends on local state
//    - metabase-error-not-serializable -- if a pending resource cannot be encoded
//    - metabase-error-schema-violation -- if a relation cannot be saved
//    - metabase-error-backend -- if a backend write fails
func (s *Saver) Commit(ctx context.Context) (_ Result, err error) {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.mu.Unlock()
		return Result{}, mbapi.ErrorEmptyTransaction("commit")
	case Committing:
		s.mu.Unlock()
		return Result{}, mbapi.ErrorInvalid("a commit is already in progress",
			[2]string{"locator", s.cfg.Backend.Locator()})
	}
	s.state = Committing
	result := Result{TxnID: s.txnID, Written: append([]mbapi.ResourceID(nil), s.order...)}
	writes := make(map[mbapi.ResourceID]*resource.Object, len(s.writes))
	for id, obj := range s.writes {
		writes[id] = obj
	}
	schemas := make([]queuedSchema, 0, len(s.schemas))
	for _, key := range s.schemas {
		schemas = append(schemas, s.relation[key])
	}
	s.mu.Unlock()

	ctx, span := tracing.Start(ctx, "txn commit", trace.WithAttributes(
		attribute.String(tracing.AttrKeyMetabaseTxnID, result.TxnID),
		attribute.Int(tracing.AttrKeyMetabasePending, len(writes)+len(schemas)),
		tracing.Locator(s.cfg.Backend.Locator()),
	))
	defer tracing.End(ctx, span, &err)
	log := logging.Ctx(ctx)

	j := newJournal(s.cfg.Backend, s.cfg.Finder)
	if err := s.apply(ctx, j, result.Written, writes, schemas); err != nil {
		log.Warn(LogTag, "commit of transaction %s failed: %s", result.TxnID, mbapi.Describe(err))
		if uerr := j.Undo(ctx); uerr != nil {
			log.Warn(LogTag, "backend %s may hold part of transaction %s", s.cfg.Backend.Locator(), result.TxnID)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = Pending
		s.restoreCache()
		return Result{}, err
	}
	result.Schemas = j.touched

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.cfg.Cache.ClearSchemaCache()
	for id, obj := range writes {
		s.cfg.Cache.SetCached(id, obj)
	}
	log.Debug(LogTag, "transaction %s committed: %d resources, %d schema records", result.TxnID, len(result.Written), len(result.Schemas))
	return result, nil
}

// apply encodes every resource before writing any of them.
func (s *Saver) apply(ctx context.Context, j *journal, order []mbapi.ResourceID, writes map[mbapi.ResourceID]*resource.Object, schemas []queuedSchema) error {
	now := s.cfg.Now()
	opts := serial.EncodeOptions{Registry: s.cfg.Registry}
	records := make([]mbapi.ResourceRecord, 0, len(order))
	for _, id := range order {
		obj := writes[id]
		payload, err := serial.Encode(obj, opts)
		if err != nil {
			return err
		}
		rec, err := serial.NewRecord(id, obj, payload, s.cfg.User, now, s.cfg.Registry)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	for _, rec := range records {
		if err := j.Put(ctx, rec); err != nil {
			return err
		}
	}
	for _, q := range schemas {
		if err := q.rel.SaveSchema(ctx, q.path, q.attr, j); err != nil {
			return err
		}
	}
	return nil
}

// restoreCache puts back every cache entry the transaction replaced. Caller holds the lock.
func (s *Saver) restoreCache() {
	for id, prev := range s.snapshot {
		if prev == nil {
			s.cfg.Cache.Uncache(id)
		} else {
			s.cfg.Cache.SetCached(id, prev)
		}
	}
}

// Rollback drops the queue and restores the cache to its state before the transaction.
//
// Errors:
//
//    - metabase-error-empty-transaction -- if nothing is pending
//    - metabase-error-invalid -- if a commit is in progress
func (s *Saver) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Idle:
		return mbapi.ErrorEmptyTransaction("rollback")
	case Committing:
		return mbapi.ErrorInvalid("cannot roll back while a commit is in progress",
			[2]string{"locator", s.cfg.Backend.Locator()})
	}
	s.restoreCache()
	logging.Ctx(ctx).Debug(LogTag, "transaction %s rolled back", s.txnID)
	s.reset()
	return nil
}

// Delete removes id from the queue, the cache, and the backend,
// then removes every relation stored on id or connecting it to another resource.
//
// Errors:
//
//    - metabase-error-invalid-id -- if id is not a valid ResourceID
//    - metabase-error-not-found -- if id is neither pending nor stored
//    - metabase-error-corrupt-data -- if a stored relation cannot be read
//    - metabase-error-backend -- if a backend write fails
func (s *Saver) Delete(ctx context.Context, id mbapi.ResourceID) (err error) {
	if err := id.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.Start(ctx, "txn delete", trace.WithAttributes(tracing.ResourceID(string(id))))
	defer tracing.End(ctx, span, &err)

	s.mu.Lock()
	_, wasPending := s.writes[id]
	if wasPending {
		delete(s.writes, id)
		delete(s.snapshot, id)
		for i, queued := range s.order {
			if queued == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if len(s.order) == 0 && len(s.schemas) == 0 && s.state == Pending {
			s.reset()
		}
	}
	s.cfg.Cache.Uncache(id)
	s.mu.Unlock()

	if err := s.cfg.Backend.Delete(ctx, id); err != nil {
		if !mbapi.IsNotFound(err) || !wasPending {
			return err
		}
	}
	if err := s.deleteSchema(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.Cache.ClearSchemaCache()
	s.mu.Unlock()
	return nil
}

// DeleteRelation removes the relation saved as attr on path: a queued one is dropped,
// a stored one is undone on the backend along with the bindings it installed.
//
// Errors:
//
//    - metabase-error-invalid-id -- if path.attr is not a valid ResourceID
//    - metabase-error-not-found -- if no relation is queued or stored as attr on path
//    - metabase-error-backend -- if a backend write fails
func (s *Saver) DeleteRelation(ctx context.Context, path mbapi.ResourceID, attr string) (err error) {
	name := path.Child(attr)
	if err := name.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.Start(ctx, "txn delete relation", trace.WithAttributes(tracing.ResourceID(string(name))))
	defer tracing.End(ctx, span, &err)
	b := s.cfg.Backend

	s.mu.Lock()
	_, queued := s.relation[name]
	if queued {
		delete(s.relation, name)
		for i, key := range s.schemas {
			if key == name {
				s.schemas = append(s.schemas[:i], s.schemas[i+1:]...)
				break
			}
		}
		if len(s.order) == 0 && len(s.schemas) == 0 && s.state == Pending {
			s.reset()
		}
	}
	s.mu.Unlock()

	found := queued
	rec, err := b.GetSchema(ctx, name)
	switch {
	case err == nil:
		found = found || rec.SchemaEdge != nil
		if err := s.deleteRelation(ctx, name); err != nil {
			return err
		}
	case !mbapi.IsNotFound(err):
		return err
	}
	owner, err := b.GetSchema(ctx, path)
	switch {
	case err == nil:
		if args, ok := owner.Binding(attr); ok {
			found = true
			if err := b.DeleteSchema(ctx, path, attr); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
			if err := b.DeleteSchemaEdge(ctx, mbapi.BindingRef(path, attr), args.TargetID); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
		}
	case !mbapi.IsNotFound(err):
		return err
	}
	if !found {
		return mbapi.ErrorNotFound(name, "schema of "+b.Locator())
	}
	s.mu.Lock()
	s.cfg.Cache.ClearSchemaCache()
	s.mu.Unlock()
	return nil
}

// deleteSchema removes the relation stored under id, if any, the schema record of id,
// every relation on an edge of id in the schema graph,
// and every binding of another resource that targets id.
func (s *Saver) deleteSchema(ctx context.Context, id mbapi.ResourceID) error {
	b := s.cfg.Backend
	if err := s.deleteRelation(ctx, id); err != nil {
		return err
	}
	for _, incoming := range []bool{false, true} {
		edges, err := b.SchemaEdges(ctx, id, incoming)
		if err != nil {
			if mbapi.IsNotFound(err) {
				continue
			}
			return err
		}
		for _, neighbour := range edges.Keys {
			if holder, attr, ok := mbapi.ParseBindingRef(neighbour); ok {
				if err := s.unbindTarget(ctx, holder, attr, id); err != nil {
					return err
				}
				continue
			}
			name := edges.Values[neighbour]
			if name != id {
				if err := s.deleteRelation(ctx, name); err != nil {
					return err
				}
			}
			source, target := id, neighbour
			if incoming {
				source, target = neighbour, id
			}
			if err := b.DeleteSchemaEdge(ctx, source, target); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

// unbindTarget removes the binding attr of holder if it still targets target, and its ref.
func (s *Saver) unbindTarget(ctx context.Context, holder mbapi.ResourceID, attr string, target mbapi.ResourceID) error {
	b := s.cfg.Backend
	rec, err := b.GetSchema(ctx, holder)
	switch {
	case err == nil:
		if args, ok := rec.Binding(attr); ok && args.TargetID == target {
			if err := b.DeleteSchema(ctx, holder, attr); err != nil && !mbapi.IsNotFound(err) {
				return err
			}
			logging.Ctx(ctx).Debug(LogTag, "unbound %s: its target %s is deleted", holder.Child(attr), target)
		}
	case !mbapi.IsNotFound(err):
		return err
	}
	if err := b.DeleteSchemaEdge(ctx, mbapi.BindingRef(holder, attr), target); err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	return nil
}

// deleteRelation undoes the relation stored under name and drops the schema record of name.
func (s *Saver) deleteRelation(ctx context.Context, name mbapi.ResourceID) error {
	b := s.cfg.Backend
	rec, err := b.GetSchema(ctx, name)
	if err != nil {
		if mbapi.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.SchemaEdge != nil {
		rel, err := schema.FromRecord(*rec.SchemaEdge)
		if err != nil {
			return err
		}
		if err := rel.DeleteSchema(ctx, b); err != nil {
			return err
		}
		// the relation may have unbound some of name's own attributes
		if rec, err = b.GetSchema(ctx, name); err != nil {
			if mbapi.IsNotFound(err) {
				return nil
			}
			return err
		}
	}
	for _, attr := range rec.Bindings.Keys {
		target := rec.Bindings.Values[attr].TargetID
		if err := b.DeleteSchemaEdge(ctx, mbapi.BindingRef(name, attr), target); err != nil && !mbapi.IsNotFound(err) {
			return err
		}
	}
	if err := b.DeleteSchemaRecord(ctx, name); err != nil && !mbapi.IsNotFound(err) {
		return err
	}
	return nil
}

// Close reports pending work and drops it. Nothing is written.
func (s *Saver) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle {
		return
	}
	logging.Ctx(ctx).Warn(LogTag, "closing %s with %d resources and %d relations never committed (transaction %s)",
		s.cfg.Backend.Locator(), len(s.order), len(s.schemas), s.txnID)
	s.restoreCache()
	s.reset()
}
