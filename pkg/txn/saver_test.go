package txn_test

import (
	"context"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/backend/memkv"
	"github.com/warptools/metabase/pkg/mapping"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/schema"
	"github.com/warptools/metabase/pkg/serial"
	"github.com/warptools/metabase/pkg/txn"
)

// mapCache is a bare catalog cache; the saver holds the lock when calling it.
type mapCache struct {
	objs         map[mbapi.ResourceID]*resource.Object
	schemaClears int
}

func (c *mapCache) Cached(id mbapi.ResourceID) (*resource.Object, bool) {
	o, ok := c.objs[id]
	return o, ok
}
func (c *mapCache) SetCached(id mbapi.ResourceID, obj *resource.Object) { c.objs[id] = obj }
func (c *mapCache) Uncache(id mbapi.ResourceID)                         { delete(c.objs, id) }
func (c *mapCache) ClearSchemaCache()                                   { c.schemaClears++ }

type notFoundFinder struct{}

func (notFoundFinder) GetPendingOrFind(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error) {
	return nil, mbapi.ErrorNotFound(id, "test")
}

// flakyBackend fails every write of one ID.
type flakyBackend struct {
	backend.Backend
	failOn mbapi.ResourceID
	puts   int
}

func (b *flakyBackend) Put(ctx context.Context, rec mbapi.ResourceRecord) error {
	b.puts++
	if rec.ID == b.failOn {
		return mbapi.ErrorBackend(b.Locator(), context.DeadlineExceeded)
	}
	return b.Backend.Put(ctx, rec)
}

func (b *flakyBackend) PutSchema(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error {
	if id == b.failOn {
		return mbapi.ErrorBackend(b.Locator(), context.DeadlineExceeded)
	}
	return b.Backend.PutSchema(ctx, id, attr, args)
}

type fixture struct {
	kv    *backend.KV
	flaky *flakyBackend
	cache *mapCache
	saver *txn.Saver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := backend.NewKV(context.Background(), memkv.New(), "mem:txn", true)
	qt.Assert(t, err, qt.IsNil)
	f := &fixture{
		kv:    kv,
		flaky: &flakyBackend{Backend: kv},
		cache: &mapCache{objs: map[mbapi.ResourceID]*resource.Object{}},
	}
	f.saver, err = txn.New(txn.Config{
		Backend: f.flaky,
		Cache:   f.cache,
		Finder:  notFoundFinder{},
		Lock:    &sync.Mutex{},
		User:    "tester",
		Now:     func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	qt.Assert(t, err, qt.IsNil)
	return f
}

func (f *fixture) stored(t *testing.T, id mbapi.ResourceID) interface{} {
	t.Helper()
	rec, err := f.kv.Get(context.Background(), id, false)
	qt.Assert(t, err, qt.IsNil)
	obj, err := serial.Decode(context.Background(), rec.Payload, nil, serial.DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	return obj.Value
}

func TestNewNeedsWritableBackend(t *testing.T) {
	kv, err := backend.NewKV(context.Background(), memkv.New(), "mem:ro", false)
	qt.Assert(t, err, qt.IsNil)
	_, err = txn.New(txn.Config{Backend: kv})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeReadOnly)
}

func TestMissingDescriptionFailsBeforeAnything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := resource.New("", "value")
	err := f.saver.AddResource(ctx, "Test.A", obj)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeMissingDescription)
	qt.Assert(t, obj.ID(), qt.Equals, mbapi.ResourceID(""))
	qt.Assert(t, f.saver.State(), qt.Equals, txn.Idle)
	qt.Assert(t, f.cache.objs, qt.HasLen, 0)
	qt.Assert(t, f.flaky.puts, qt.Equals, 0)
}

func TestAddResourceChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	err := f.saver.AddResource(ctx, "SCHEMA.A", resource.New("doc", "v"))
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeInvalidID)

	obj := resource.New("doc", "v")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", obj), qt.IsNil)
	err = f.saver.AddResource(ctx, "Test.B", obj)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeIDMismatch)
}

func TestQueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := resource.New("an entry", "v")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", obj), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", obj), qt.IsNil)
	qt.Assert(t, f.saver.List("Test"), qt.DeepEquals, []mbapi.ResourceID{"Test.A"})
	qt.Assert(t, f.saver.State(), qt.Equals, txn.Pending)

	pending, ok := f.saver.Pending("Test.A")
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, pending, qt.Equals, obj)
	qt.Assert(t, f.cache.objs["Test.A"], qt.Equals, obj)

	res, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Written, qt.DeepEquals, []mbapi.ResourceID{"Test.A"})
	qt.Assert(t, f.flaky.puts, qt.Equals, 1)
}

func TestCommitWritesDataAndSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := resource.New("first", "a")
	b := resource.New("second", "b")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", a), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.B", b), qt.IsNil)
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test.A", "partner", schema.NewDirect("Test.B")), qt.IsNil)

	res, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.TxnID, qt.Not(qt.Equals), "")
	qt.Assert(t, res.Written, qt.DeepEquals, []mbapi.ResourceID{"Test.A", "Test.B"})
	qt.Assert(t, res.Schemas, qt.DeepEquals, []mbapi.ResourceID{"Test.A"})
	qt.Assert(t, f.saver.State(), qt.Equals, txn.Idle)
	qt.Assert(t, f.saver.HasPending(), qt.IsFalse)
	qt.Assert(t, f.cache.schemaClears, qt.Equals, 1)

	qt.Assert(t, f.stored(t, "Test.A"), qt.Equals, "a")
	info, err := f.kv.Describe(ctx, "Test.B")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, info.Description, qt.Equals, "second")
	qt.Assert(t, *info.User, qt.Equals, "tester")
	qt.Assert(t, info.CreationTime, qt.Equals, "2024-01-02T03:04:05Z")

	rec, err := f.kv.GetSchema(ctx, "Test.A")
	qt.Assert(t, err, qt.IsNil)
	args, ok := rec.Binding("partner")
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, args.TargetID, qt.Equals, mbapi.ResourceID("Test.B"))
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	one := resource.New("the number", "1")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", one), qt.IsNil)
	_, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)

	two := resource.New("the number", "2")
	fresh := resource.New("never stored", "x")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", two), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.B", fresh), qt.IsNil)
	f.flaky.failOn = "Test.B"

	_, err = f.saver.Commit(ctx)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBackend)
	qt.Assert(t, f.saver.State(), qt.Equals, txn.Pending)

	// the write of A that landed before the failure is undone
	qt.Assert(t, f.stored(t, "Test.A"), qt.Equals, "1")
	_, err = f.kv.Get(ctx, "Test.B", false)
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)

	// and the cache shows what was committed, not what is pending
	qt.Assert(t, f.cache.objs["Test.A"], qt.Equals, one)
	_, cached := f.cache.objs["Test.B"]
	qt.Assert(t, cached, qt.IsFalse)

	f.flaky.failOn = ""
	_, err = f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, f.stored(t, "Test.A"), qt.Equals, "2")
	qt.Assert(t, f.stored(t, "Test.B"), qt.Equals, "x")
	qt.Assert(t, f.cache.objs["Test.B"], qt.Equals, fresh)
}

func TestFailedSchemaWriteUndoesData(t *testing.T) {
	ctx := context.Background()
	kv, err := backend.NewKV(ctx, memkv.New(), "mem:txn", true)
	qt.Assert(t, err, qt.IsNil)
	cache := &mapCache{objs: map[mbapi.ResourceID]*resource.Object{}}
	saver, err := txn.New(txn.Config{
		Backend: &schemaFailBackend{Backend: kv, failOn: "Test.A"},
		Cache:   cache,
		Finder:  notFoundFinder{},
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, saver.AddResource(ctx, "Test.C", resource.New("doc", "c")), qt.IsNil)
	qt.Assert(t, saver.QueueSchema(ctx, "Test.A", "partner", schema.NewDirect("Test.C")), qt.IsNil)

	_, err = saver.Commit(ctx)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBackend)
	_, err = kv.Get(ctx, "Test.C", false)
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
	_, err = kv.GetSchema(ctx, "Test.A")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
	qt.Assert(t, cache.objs, qt.HasLen, 0)

	qt.Assert(t, saver.Rollback(ctx), qt.IsNil)
	qt.Assert(t, saver.State(), qt.Equals, txn.Idle)
}

type schemaFailBackend struct {
	backend.Backend
	failOn mbapi.ResourceID
}

func (b *schemaFailBackend) PutSchema(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error {
	if id == b.failOn {
		return mbapi.ErrorBackend(b.Locator(), context.Canceled)
	}
	return b.Backend.PutSchema(ctx, id, attr, args)
}

func TestRollbackRestoresPriorValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	one := resource.New("the number", "1")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", one), qt.IsNil)
	_, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)

	two := resource.New("the number", "2")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", two), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.New", resource.New("new", "n")), qt.IsNil)
	qt.Assert(t, f.cache.objs["Test.A"], qt.Equals, two)

	qt.Assert(t, f.saver.Rollback(ctx), qt.IsNil)
	qt.Assert(t, f.cache.objs["Test.A"], qt.Equals, one)
	_, cached := f.cache.objs["Test.New"]
	qt.Assert(t, cached, qt.IsFalse)
	qt.Assert(t, f.stored(t, "Test.A"), qt.Equals, "1")
	qt.Assert(t, f.saver.State(), qt.Equals, txn.Idle)
}

func TestEmptyTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.saver.Commit(ctx)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeEmptyTransaction)
	err = f.saver.Rollback(ctx)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeEmptyTransaction)

	// a snapshot cannot be replayed after a commit
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", resource.New("doc", "a")), qt.IsNil)
	_, err = f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)
	err = f.saver.Rollback(ctx)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeEmptyTransaction)
}

func TestDeletePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", resource.New("doc", "a")), qt.IsNil)
	qt.Assert(t, f.saver.Delete(ctx, "Test.A"), qt.IsNil)
	qt.Assert(t, f.saver.HasPending(), qt.IsFalse)
	_, cached := f.cache.objs["Test.A"]
	qt.Assert(t, cached, qt.IsFalse)

	err := f.saver.Delete(ctx, "Test.A")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
}

func TestDeleteCascadesOverSchemaGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	x := mapping.NewCollection()
	x.Put("x1", "one")
	y := mapping.NewCollection()
	y.Put("y1", "uno")
	g := mapping.NewGraph()
	g.Add("x1", "y1", "")
	qt.Assert(t, f.saver.AddResource(ctx, "Test.X", resource.New("sources", x)), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.Y", resource.New("targets", y)), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.graph", resource.New("links", g)), qt.IsNil)
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test", "graph", schema.ManyToMany("Test.X", "Test.Y", "", "links")), qt.IsNil)
	_, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)

	rec, err := f.kv.GetSchema(ctx, "Test.X")
	qt.Assert(t, err, qt.IsNil)
	_, ok := rec.Binding("links")
	qt.Assert(t, ok, qt.IsTrue)
	out, err := f.kv.SchemaEdges(ctx, "Test.X", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out.Values["Test.Y"], qt.Equals, mbapi.ResourceID("Test.graph"))

	qt.Assert(t, f.saver.Delete(ctx, "Test.Y"), qt.IsNil)
	_, err = f.kv.Get(ctx, "Test.Y", false)
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
	_, err = f.kv.GetSchema(ctx, "Test.graph")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
	_, err = f.kv.GetSchema(ctx, "Test.X")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
	out, err = f.kv.SchemaEdges(ctx, "Test.X", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out.Keys, qt.HasLen, 0)

	// the other resources stay
	qt.Assert(t, f.stored(t, "Test.graph"), qt.Not(qt.IsNil))
}

func TestCloseDropsPendingWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", resource.New("doc", "a")), qt.IsNil)
	f.saver.Close(ctx)
	qt.Assert(t, f.saver.HasPending(), qt.IsFalse)
	qt.Assert(t, f.flaky.puts, qt.Equals, 0)
	_, cached := f.cache.objs["Test.A"]
	qt.Assert(t, cached, qt.IsFalse)
}

func TestDeleteRelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", resource.New("a", "a")), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.B", resource.New("b", "b")), qt.IsNil)
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test.A", "partner", schema.NewDirect("Test.B")), qt.IsNil)
	_, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)

	qt.Assert(t, f.saver.DeleteRelation(ctx, "Test.A", "partner"), qt.IsNil)
	_, err = f.kv.GetSchema(ctx, "Test.A")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
	qt.Assert(t, f.cache.schemaClears > 0, qt.IsTrue)

	err = f.saver.DeleteRelation(ctx, "Test.A", "partner")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)

	// a queued relation is simply dropped
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test.A", "partner", schema.NewDirect("Test.B")), qt.IsNil)
	qt.Assert(t, f.saver.DeleteRelation(ctx, "Test.A", "partner"), qt.IsNil)
	qt.Assert(t, f.saver.HasPending(), qt.IsFalse)
}

func TestFailedCommitLeavesNoNewRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qt.Assert(t, f.saver.AddResource(ctx, "Fresh.a", resource.New("doc", "a")), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.B", resource.New("doc", "b")), qt.IsNil)
	f.flaky.failOn = "Test.B"

	_, err := f.saver.Commit(ctx)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBackend)
	roots, err := f.kv.RootNames(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, roots, qt.HasLen, 0)
}

// gatedBackend holds every Put until the gate opens.
type gatedBackend struct {
	backend.Backend
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (b *gatedBackend) Put(ctx context.Context, rec mbapi.ResourceRecord) error {
	b.once.Do(func() { close(b.entered) })
	<-b.gate
	return b.Backend.Put(ctx, rec)
}

func TestQueueingDuringCommitLeavesObjectUnregistered(t *testing.T) {
	ctx := context.Background()
	kv, err := backend.NewKV(ctx, memkv.New(), "mem:txn", true)
	qt.Assert(t, err, qt.IsNil)
	gated := &gatedBackend{Backend: kv, entered: make(chan struct{}), gate: make(chan struct{})}
	saver, err := txn.New(txn.Config{
		Backend: gated,
		Cache:   &mapCache{objs: map[mbapi.ResourceID]*resource.Object{}},
		Finder:  notFoundFinder{},
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, saver.AddResource(ctx, "Test.A", resource.New("doc", "a")), qt.IsNil)

	done := make(chan error, 1)
	go func() {
		_, err := saver.Commit(ctx)
		done <- err
	}()
	<-gated.entered
	qt.Assert(t, saver.State(), qt.Equals, txn.Committing)

	late := resource.New("late", "l")
	err = saver.AddResource(ctx, "Test.Late", late)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeInvalid)
	qt.Assert(t, late.ID(), qt.Equals, mbapi.ResourceID(""))

	close(gated.gate)
	qt.Assert(t, <-done, qt.IsNil)
	qt.Assert(t, saver.AddResource(ctx, "Test.Other", late), qt.IsNil)
	qt.Assert(t, late.ID(), qt.Equals, mbapi.ResourceID("Test.Other"))
}

func TestDeleteDropsDirectBindingsOnTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.A", resource.New("a", "a")), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.B", resource.New("b", "b")), qt.IsNil)
	qt.Assert(t, f.saver.AddResource(ctx, "Test.C", resource.New("c", "c")), qt.IsNil)
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test.A", "partner", schema.NewDirect("Test.B")), qt.IsNil)
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test.A", "keeper", schema.NewDirect("Test.C")), qt.IsNil)
	qt.Assert(t, f.saver.QueueSchema(ctx, "Test.C", "each", schema.NewItem("Test.B")), qt.IsNil)
	_, err := f.saver.Commit(ctx)
	qt.Assert(t, err, qt.IsNil)

	qt.Assert(t, f.saver.Delete(ctx, "Test.B"), qt.IsNil)
	rec, err := f.kv.GetSchema(ctx, "Test.A")
	qt.Assert(t, err, qt.IsNil)
	_, ok := rec.Binding("partner")
	qt.Assert(t, ok, qt.IsFalse)
	_, ok = rec.Binding("keeper")
	qt.Assert(t, ok, qt.IsTrue)
	_, err = f.kv.GetSchema(ctx, "Test.C")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)

	// deleting the holder takes its refs along
	qt.Assert(t, f.saver.Delete(ctx, "Test.A"), qt.IsNil)
	in, err := f.kv.SchemaEdges(ctx, "Test.C", true)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, in.Keys, qt.HasLen, 0)
}
