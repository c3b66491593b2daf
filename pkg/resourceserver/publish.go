package resourceserver

import (
	"context"
	"sort"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resource"
	"github.com/warptools/metabase/pkg/serial"
)

// ClientVariant is implemented by values which clients must receive in another form,
// typically a stand-in that forwards its work back to this server.
type ClientVariant interface {
	ClientVariant(endpoint string, id mbapi.ResourceID) (interface{}, error)
}

// Publish makes obj available to clients under id.
// A value implementing ClientVariant is replaced by its variant before encoding.
// A value which cannot leave this process is skipped with a warning, and Publish reports false.
//
// Errors:
//
//    - metabase-error-invalid-id -- if id is not a valid ResourceID
//    - metabase-error-read-only -- if the server's backend is not writable
//    - metabase-error-not-serializable -- if the value could not be decoded by a client
//    - metabase-error-serialization -- if the record cannot be encoded
//    - metabase-error-backend -- if the backend write fails
func (s *Server) Publish(ctx context.Context, id mbapi.ResourceID, obj *resource.Object) (bool, error) {
	log := logging.Ctx(ctx)
	if err := id.Validate(); err != nil {
		return false, err
	}
	if !s.backend.Writable() {
		return false, mbapi.ErrorReadOnly(s.backend.Locator())
	}
	served := obj
	if cv, ok := obj.Value.(ClientVariant); ok {
		v, err := cv.ClientVariant(s.cfg.Endpoint, id)
		if err != nil {
			return false, err
		}
		served = resource.New(obj.Doc, v)
	}
	payload, err := serial.Encode(served, serial.EncodeOptions{Registry: s.cfg.Registry})
	if serum.Code(err) == mbapi.ECodeNotPortable {
		log.Warn(LogTag_Server, "not publishing %s: %s", id, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := serial.NewRecord(id, served, payload, s.cfg.User, s.now(), s.cfg.Registry)
	if err != nil {
		return false, err
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return false, err
	}
	log.Debug(LogTag_Server, "published %s", id)
	return true, nil
}

// PublishAll publishes objs in ID order and returns the IDs actually published.
// It stops at the first error.
//
// Errors:
//
//    - metabase-error-invalid-id -- if an ID is not a valid ResourceID
//    - metabase-error-read-only -- if the server's backend is not writable
//    - metabase-error-not-serializable -- if a value could not be decoded by a client
//    - metabase-error-serialization -- if a record cannot be encoded
//    - metabase-error-backend -- if a backend write fails
func (s *Server) PublishAll(ctx context.Context, objs map[mbapi.ResourceID]*resource.Object) ([]mbapi.ResourceID, error) {
	ids := make([]mbapi.ResourceID, 0, len(objs))
	for id := range objs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var published []mbapi.ResourceID
	for _, id := range ids {
		ok, err := s.Publish(ctx, id, objs[id])
		if err != nil {
			return published, err
		}
		if ok {
			published = append(published, id)
		}
	}
	return published, nil
}
