package sqlkv

import (
	"context"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/backend/backendtest"
)

func TestStore(t *testing.T) {
	store, err := Open(context.Background(), SQLite, ":memory:", "", false)
	qt.Assert(t, err, qt.IsNil)
	defer store.Close()
	backendtest.RunKVStoreTests(t, store)
}

func TestBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	store, err := Open(context.Background(), SQLite, path, "resources", false)
	qt.Assert(t, err, qt.IsNil)
	kv, err := backend.NewKV(context.Background(), store, "sqlite:"+path, true)
	qt.Assert(t, err, qt.IsNil)
	defer kv.Close()
	backendtest.RunBackendTests(t, kv)
}

func TestRejectsOddTableNames(t *testing.T) {
	_, err := Open(context.Background(), SQLite, ":memory:", "x; DROP TABLE y", false)
	qt.Assert(t, err, qt.ErrorMatches, `invalid table name.*`)
}
