// Package backendtest holds the conformance tests every key-value engine
// and every backend is expected to pass.
package backendtest

import (
	"context"
	"sort"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
)

// RunKVStoreTests runs the common KVStore tests against an empty store.
func RunKVStoreTests(t *testing.T, store backend.KVStore) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, store) })
	t.Run("Prefix", func(t *testing.T) { testPrefix(t, store) })
}

func testCRUD(t *testing.T, store backend.KVStore) {
	ctx := context.Background()
	_, ok, err := store.Get(ctx, "crud.a")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ok, qt.IsFalse)

	qt.Assert(t, store.Put(ctx, "crud.a", []byte("one")), qt.IsNil)
	v, ok, err := store.Get(ctx, "crud.a")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, string(v), qt.Equals, "one")

	qt.Assert(t, store.Put(ctx, "crud.a", []byte("two")), qt.IsNil)
	v, _, err = store.Get(ctx, "crud.a")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(v), qt.Equals, "two")

	existed, err := store.Delete(ctx, "crud.a")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, existed, qt.IsTrue)
	existed, err = store.Delete(ctx, "crud.a")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, existed, qt.IsFalse)
}

func testPrefix(t *testing.T, store backend.KVStore) {
	ctx := context.Background()
	for _, k := range []string{"pre.x", "pre.y.z", "prefix", "other", "__doc__.pre.x"} {
		qt.Assert(t, store.Put(ctx, k, []byte(k)), qt.IsNil)
	}
	keys, err := store.Keys(ctx, "pre.")
	qt.Assert(t, err, qt.IsNil)
	sort.Strings(keys)
	qt.Assert(t, keys, qt.DeepEquals, []string{"pre.x", "pre.y.z"})

	keys, err = store.Keys(ctx, "__doc__.")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, keys, qt.DeepEquals, []string{"__doc__.pre.x"})
}

// RunBackendTests runs the common Backend tests against an empty, writable backend.
func RunBackendTests(t *testing.T, b backend.Backend) {
	t.Run("Resources", func(t *testing.T) { testResources(t, b) })
	t.Run("Schema", func(t *testing.T) { testSchema(t, b) })
	t.Run("SchemaGraph", func(t *testing.T) { testSchemaGraph(t, b) })
}

func record(id mbapi.ResourceID, doc string, payload string) mbapi.ResourceRecord {
	return mbapi.ResourceRecord{
		ID:      id,
		Info:    mbapi.ResourceInfo{CreationTime: "2023-01-01T00:00:00Z", PayloadSize: int64(len(payload)), Description: doc},
		Payload: []byte(payload),
	}
}

func testResources(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	qt.Assert(t, b.Writable(), qt.IsTrue)

	_, err := b.Get(ctx, "Res.a", false)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)

	qt.Assert(t, b.Put(ctx, record("Res.a", "first", "aaa")), qt.IsNil)
	qt.Assert(t, b.Put(ctx, record("Res.b.c", "second", "bbb")), qt.IsNil)
	qt.Assert(t, b.Put(ctx, record("Other.d", "third", "ddd")), qt.IsNil)

	rec, err := b.Get(ctx, "Res.a", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(rec.Payload), qt.Equals, "aaa")
	qt.Assert(t, rec.Info.Description, qt.Equals, "first")
	qt.Assert(t, rec.Info.PayloadSize, qt.Equals, int64(3))

	info, err := b.Describe(ctx, "Res.b.c")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, info.Description, qt.Equals, "second")

	ids, err := b.List(ctx, "Res.")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ids, qt.DeepEquals, []mbapi.ResourceID{"Res.a", "Res.b.c"})
	ids, err = b.List(ctx, "")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ids, qt.DeepEquals, []mbapi.ResourceID{"Other.d", "Res.a", "Res.b.c"})

	roots, err := b.RootNames(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, roots, qt.DeepEquals, mbapi.RootNames{"Other", "Res"})

	qt.Assert(t, b.Delete(ctx, "Res.a"), qt.IsNil)
	err = b.Delete(ctx, "Res.a")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)
	_, err = b.Describe(ctx, "Res.a")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)

	// a root stays listed while anything is stored under it
	qt.Assert(t, b.Delete(ctx, "Other.d"), qt.IsNil)
	roots, err = b.RootNames(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, roots, qt.DeepEquals, mbapi.RootNames{"Res"})
}

func testSchema(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	_, err := b.GetSchema(ctx, "Sch.x")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)

	qt.Assert(t, b.PutSchema(ctx, "Sch.x", "link", mbapi.BindingArgs{TargetID: "Sch.y"}), qt.IsNil)
	qt.Assert(t, b.PutSchema(ctx, "Sch.x", "each", mbapi.BindingArgs{TargetID: "Sch.m", ItemRule: true}), qt.IsNil)
	rec, err := b.GetSchema(ctx, "Sch.x")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, rec.Bindings.Keys, qt.DeepEquals, []string{"link", "each"})
	args, _ := rec.Binding("each")
	qt.Assert(t, args.ItemRule, qt.IsTrue)

	qt.Assert(t, b.DeleteSchema(ctx, "Sch.x", "link"), qt.IsNil)
	err = b.DeleteSchema(ctx, "Sch.x", "link")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)
	qt.Assert(t, b.DeleteSchema(ctx, "Sch.x", "each"), qt.IsNil)
	_, err = b.GetSchema(ctx, "Sch.x")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)

	// schema records never show up as resources
	qt.Assert(t, b.PutSchema(ctx, "Sch.z", "link", mbapi.BindingArgs{TargetID: "Sch.y"}), qt.IsNil)
	ids, err := b.List(ctx, "")
	qt.Assert(t, err, qt.IsNil)
	for _, id := range ids {
		qt.Assert(t, id.HasPrefix("SCHEMA"), qt.IsFalse)
	}

	src := mbapi.ResourceID("Sch.x")
	var whole mbapi.SchemaRecord
	whole.SchemaEdge = &mbapi.RelationRecord{Kind: mbapi.RelationManyToMany, Name: "Sch.g", SourceID: &src, TargetID: "Sch.y"}
	qt.Assert(t, b.PutSchemaRecord(ctx, "Sch.g", whole), qt.IsNil)
	got, err := b.GetSchema(ctx, "Sch.g")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, got.SchemaEdge.Kind, qt.Equals, mbapi.RelationManyToMany)
	qt.Assert(t, b.DeleteSchemaRecord(ctx, "Sch.g"), qt.IsNil)
	err = b.DeleteSchemaRecord(ctx, "Sch.g")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)
}

func testSchemaGraph(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	qt.Assert(t, b.PutSchemaEdge(ctx, "G.x", "G.y", "G.rel"), qt.IsNil)
	qt.Assert(t, b.PutSchemaEdge(ctx, "G.x", "G.z", "G.rel2"), qt.IsNil)

	out, err := b.SchemaEdges(ctx, "G.x", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out.Keys, qt.DeepEquals, []mbapi.ResourceID{"G.y", "G.z"})
	qt.Assert(t, out.Values["G.y"], qt.Equals, mbapi.ResourceID("G.rel"))

	in, err := b.SchemaEdges(ctx, "G.y", true)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, in.Values["G.x"], qt.Equals, mbapi.ResourceID("G.rel"))

	qt.Assert(t, b.DeleteSchemaEdge(ctx, "G.x", "G.y"), qt.IsNil)
	err = b.DeleteSchemaEdge(ctx, "G.x", "G.y")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)
	in, err = b.SchemaEdges(ctx, "G.y", true)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, in.Keys, qt.HasLen, 0)
}
