package locator

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis"
	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/backend/memkv"
	"github.com/warptools/metabase/pkg/config"
	"github.com/warptools/metabase/pkg/resourceserver"
)

func TestLayerName(t *testing.T) {
	home := filepath.FromSlash("/home/alice")
	for _, tc := range []struct {
		loc   string
		layer string
	}{
		{"~", LayerMy},
		{"~/proj", LayerMy},
		{"/home/alice/data", LayerMy},
		{"/home/alicex", LayerSystem},
		{"/usr/share/metabase", LayerSystem},
		{".", LayerHere},
		{"./data", LayerHere},
		{"data/sub", LayerSubdir},
		{"http://biodb2.bioinformatics.ucla.edu:5000", LayerRemote},
		{"https://example.org/rpc", LayerRemote},
		{"mysql:user@tcp(db)/cat", LayerMySQL},
		{"sqlite:/tmp/x.db", LayerSQLite},
		{"redis://localhost:6379/0", LayerRedis},
		{"bolt:/tmp/x.bolt", LayerBolt},
		{"mem:scratch", LayerMem},
	} {
		qt.Check(t, LayerName(tc.loc, home), qt.Equals, tc.layer, qt.Commentf("locator %q", tc.loc))
	}
}

func testState(t *testing.T) config.State {
	return config.State{
		Env:              map[string]string{},
		HomeDirectory:    t.TempDir(),
		WorkingDirectory: t.TempDir(),
	}
}

func roundTrip(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	rec := mbapi.ResourceRecord{ID: "Loc.x", Info: mbapi.ResourceInfo{Description: "x"}, Payload: []byte("xyz")}
	qt.Assert(t, b.Put(ctx, rec), qt.IsNil)
	got, err := b.Get(ctx, "Loc.x", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(got.Payload), qt.Equals, "xyz")
}

func TestOpenLocalEngines(t *testing.T) {
	ctx := context.Background()
	st := testState(t)
	dir := t.TempDir()
	for _, loc := range []string{
		dir,
		".",
		"bolt:" + filepath.Join(dir, "cat.bolt"),
		"sqlite:" + filepath.Join(dir, "cat.sqlite") + "#resources",
		"mem:locator-test",
	} {
		t.Run(loc, func(t *testing.T) {
			b, err := Open(ctx, st, loc, Options{})
			qt.Assert(t, err, qt.IsNil)
			t.Cleanup(func() { b.Close() })
			qt.Assert(t, b.Writable(), qt.IsTrue)
			qt.Assert(t, b.Locator(), qt.Equals, loc)
			roundTrip(t, b)
		})
	}
	memkv.Forget("locator-test")

	_, err := os.Stat(filepath.Join(dir, MetabaseDir))
	qt.Assert(t, err, qt.IsNil)
	_, err = os.Stat(filepath.Join(st.WorkingDirectory, MetabaseDir))
	qt.Assert(t, err, qt.IsNil)
}

func TestOpenRedis(t *testing.T) {
	srv, err := miniredis.Run()
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(srv.Close)

	b, err := Open(context.Background(), testState(t), "redis://"+srv.Addr()+"/0#catalog", Options{})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { b.Close() })
	roundTrip(t, b)
	qt.Assert(t, srv.Exists("catalog:Loc.x"), qt.IsTrue)
}

func TestOpenRemote(t *testing.T) {
	ctx := context.Background()
	served, err := backend.NewKV(ctx, memkv.New(), "mem:served", true)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, served.Put(ctx, mbapi.ResourceRecord{ID: "Loc.remote", Info: mbapi.ResourceInfo{Description: "r"}, Payload: []byte("r")}), qt.IsNil)
	ts := httptest.NewServer(resourceserver.New(served, resourceserver.Config{}))
	t.Cleanup(ts.Close)

	b, err := Open(ctx, testState(t), ts.URL, Options{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, b.Writable(), qt.IsFalse)
	rec, err := b.Get(ctx, "Loc.remote", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(rec.Payload), qt.Equals, "r")
}

func TestOpenFailures(t *testing.T) {
	ctx := context.Background()
	st := testState(t)

	_, err := Open(ctx, st, "ftp://example.org/catalog", Options{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBackend)

	_, err = Open(ctx, st, filepath.Join(st.WorkingDirectory, "does-not-exist"), Options{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBackend)

	// read-only open of a directory that never held a catalog
	_, err = Open(ctx, st, st.HomeDirectory, Options{ReadOnly: true})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBackend)
}
