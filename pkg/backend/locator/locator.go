// Package locator opens backends from the locator strings of a metabase path.
//
// Recognized locators:
//
//	~/data, ./here, /srv/db   a directory; the catalog lives in <dir>/.metabase (Badger)
//	bolt:<file>               a BoltDB file
//	sqlite:<file>[#table]     a SQLite database
//	mysql:<dsn>[#table]       a MySQL database, dsn as accepted by go-sql-driver/mysql
//	redis://host:port/db[#ns] a Redis server, keys under an optional namespace
//	mem:<name>                a process-local store shared by every locator of that name
//	http://..., https://...   a remote resource server (read-only)
package locator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/backend/badgerkv"
	"github.com/warptools/metabase/pkg/backend/boltkv"
	"github.com/warptools/metabase/pkg/backend/memkv"
	"github.com/warptools/metabase/pkg/backend/rediskv"
	"github.com/warptools/metabase/pkg/backend/rpcclient"
	"github.com/warptools/metabase/pkg/backend/sqlkv"
	"github.com/warptools/metabase/pkg/config"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/tracing"
)

// MetabaseDir is the directory holding the catalog of a filesystem locator.
const MetabaseDir = ".metabase"

const LogTag = "locator"

// Layer names, by the kind and place of the locator that filled them.
const (
	LayerMy     = "my"     // under the home directory
	LayerSystem = "system" // any other absolute path
	LayerHere   = "here"   // relative to the working directory, starting with "."
	LayerSubdir = "subdir" // any other relative path
	LayerRemote = "remote"
	LayerMySQL  = "MySQL"
	LayerSQLite = "sqlite"
	LayerRedis  = "redis"
	LayerBolt   = "bolt"
	LayerMem    = "mem"
)

// Options tune Open.
type Options struct {
	// ReadOnly opens local engines without write access.
	ReadOnly bool

	// HTTPClient is used by remote backends. Nil means a client with rpcclient.DefaultTimeout.
	HTTPClient *http.Client
}

// LayerName returns the layer a locator, as written in the path, would fill.
// home is the home directory used to recognize the "my" layer.
func LayerName(loc string, home string) string {
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return LayerRemote
	case strings.HasPrefix(loc, "mysql:"):
		return LayerMySQL
	case strings.HasPrefix(loc, "sqlite:"):
		return LayerSQLite
	case strings.HasPrefix(loc, "redis://"):
		return LayerRedis
	case strings.HasPrefix(loc, "bolt:"):
		return LayerBolt
	case strings.HasPrefix(loc, "mem:"):
		return LayerMem
	}
	p := loc
	switch {
	case p == "~":
		p = home
	case strings.HasPrefix(p, "~/"):
		p = filepath.Join(home, p[2:])
	}
	sep := string(filepath.Separator)
	switch {
	case home != "" && (p == home || strings.HasPrefix(p, home+sep)):
		return LayerMy
	case filepath.IsAbs(p):
		return LayerSystem
	case p == "." || strings.HasPrefix(p, "."+sep):
		return LayerHere
	default:
		return LayerSubdir
	}
}

// splitSuffix cuts a trailing "#name" off a locator.
func splitSuffix(s string) (string, string) {
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Open opens the backend named by loc.
// Filesystem locators are expanded against st first.
//
// Errors:
//
//    - metabase-error-backend -- if the backend cannot be opened or reached, or the scheme is unknown
//    - metabase-error-corrupt-data -- if the store carries an unknown format
func Open(ctx context.Context, st config.State, loc string, opts Options) (_ backend.Backend, err error) {
	ctx, span := tracing.Start(ctx, "locator open", trace.WithAttributes(tracing.Locator(loc)))
	defer tracing.End(ctx, span, &err)
	log := logging.Ctx(ctx)
	writable := !opts.ReadOnly

	var store backend.KVStore
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return rpcclient.Open(loc, opts.HTTPClient), nil

	case strings.HasPrefix(loc, "mem:"):
		store = memkv.Named(strings.TrimPrefix(loc, "mem:"))

	case strings.HasPrefix(loc, "bolt:"):
		s, err := boltkv.Open(st.ExpandPath(strings.TrimPrefix(loc, "bolt:")), opts.ReadOnly)
		if err != nil {
			return nil, mbapi.ErrorBackend(loc, err)
		}
		store = s

	case strings.HasPrefix(loc, "sqlite:"), strings.HasPrefix(loc, "mysql:"):
		dialect, rest := sqlkv.SQLite, strings.TrimPrefix(loc, "sqlite:")
		if strings.HasPrefix(loc, "mysql:") {
			dialect, rest = sqlkv.MySQL, strings.TrimPrefix(loc, "mysql:")
		}
		dsn, table := splitSuffix(rest)
		if dialect == sqlkv.SQLite && dsn != ":memory:" {
			dsn = st.ExpandPath(dsn)
		}
		s, err := sqlkv.Open(ctx, dialect, dsn, table, opts.ReadOnly)
		if err != nil {
			return nil, mbapi.ErrorBackend(loc, err)
		}
		store = s

	case strings.HasPrefix(loc, "redis://"):
		url, namespace := splitSuffix(loc)
		s, err := rediskv.Open(url, namespace)
		if err != nil {
			return nil, mbapi.ErrorBackend(loc, err)
		}
		store = s

	case config.HasScheme(loc):
		return nil, mbapi.ErrorBackend(loc, fmt.Errorf("unsupported locator scheme %q", loc[:strings.IndexByte(loc, ':')]))

	default:
		s, rw, err := openDirectory(st.ExpandPath(loc), opts.ReadOnly)
		if err != nil {
			return nil, mbapi.ErrorBackend(loc, err)
		}
		if writable && !rw {
			log.Debug(LogTag, "%s is not writable, opened read-only", loc)
		}
		writable = rw
		store = s
	}

	kv, err := backend.NewKV(ctx, store, loc, writable)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return kv, nil
}

// openDirectory opens the Badger catalog under dir, creating it when possible.
// It falls back to read-only when the catalog exists but cannot be written.
func openDirectory(dir string, readOnly bool) (*badgerkv.Store, bool, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, false, err
	}
	if !fi.IsDir() {
		return nil, false, fmt.Errorf("%s is not a directory", dir)
	}
	dbDir := filepath.Join(dir, MetabaseDir)
	if !readOnly {
		if err := os.MkdirAll(dbDir, 0o755); err == nil {
			if s, err := badgerkv.Open(dbDir, false); err == nil {
				return s, true, nil
			}
		}
	}
	if _, err := os.Stat(dbDir); errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("no catalog in %s", dir)
	}
	s, err := badgerkv.Open(dbDir, true)
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}
