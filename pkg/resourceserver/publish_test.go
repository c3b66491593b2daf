package resourceserver

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/backend/memkv"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/serial"
)

// annotationDB stands in for a server-side database which clients reach through a URL.
type annotationDB struct {
	Path string
}

func (db *annotationDB) ClientVariant(endpoint string, id mbapi.ResourceID) (interface{}, error) {
	return endpoint + "#" + string(id), nil
}

type openFile struct {
	Path string
}

func (openFile) LocalDependency() string { return "open file handle" }

func TestPublishStoresPortableValues(t *testing.T) {
	ctx, flushLogs := NewLogBuffers(t, context.Background())
	t.Cleanup(flushLogs)
	s, kv := newTestServer(t)

	ok, err := s.Publish(ctx, "Bio.notes", resource.New("some notes", "hello"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ok, qt.IsTrue)

	rec, err := kv.Get(ctx, "Bio.notes", false)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, rec.Info.Description, qt.Equals, "some notes")
	qt.Assert(t, *rec.Info.TypeName, qt.Equals, "string")
	qt.Assert(t, rec.Info.ContentID, qt.IsNotNil)
	back, err := serial.Decode(ctx, rec.Payload, nil, serial.DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, back.Value, qt.Equals, "hello")
}

func TestPublishSubstitutesClientVariant(t *testing.T) {
	ctx, flushLogs := NewLogBuffers(t, context.Background())
	t.Cleanup(flushLogs)
	s, kv := newTestServer(t)

	ok, err := s.Publish(ctx, "Bio.annotations", resource.New("annotations", &annotationDB{Path: "/data/annot"}))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ok, qt.IsTrue)

	rec, err := kv.Get(ctx, "Bio.annotations", false)
	qt.Assert(t, err, qt.IsNil)
	back, err := serial.Decode(ctx, rec.Payload, nil, serial.DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, back.Value, qt.Equals, "http://metabase.test#Bio.annotations")
}

func TestPublishSkipsNonPortable(t *testing.T) {
	ctx, flushLogs := NewLogBuffers(t, context.Background())
	t.Cleanup(flushLogs)
	s, kv := newTestServer(t)

	published, err := s.PublishAll(ctx, map[mbapi.ResourceID]*resource.Object{
		"Bio.file":  resource.New("a file", openFile{Path: "/tmp/x"}),
		"Bio.notes": resource.New("notes", "hi"),
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, published, qt.DeepEquals, []mbapi.ResourceID{"Bio.notes"})

	_, err = kv.Get(ctx, "Bio.file", false)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotFound)
}

func TestPublishNeedsWritableBackend(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	_, err := backend.NewKV(ctx, store, "mem:init", true)
	qt.Assert(t, err, qt.IsNil)
	ro, err := backend.NewKV(ctx, store, "mem:ro", false)
	qt.Assert(t, err, qt.IsNil)
	s := New(ro, Config{})

	_, err = s.Publish(ctx, "Bio.notes", resource.New("notes", "hi"))
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeReadOnly)
	_, err = s.Publish(ctx, "not valid!", resource.New("notes", "hi"))
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeInvalidID)
}
