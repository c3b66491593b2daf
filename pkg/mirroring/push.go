// Package mirroring copies the resources of a backend to object storage.
//
// Payloads are stored once per content ID, so pushing the same data under
// several names, or pushing twice, uploads it once. The metadata of every
// resource is stored under its name and is rewritten on each push.
package mirroring

import (
	"context"
	"path"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/serial"
)

const LogTag = "mirror"

// Config names the object store to push to. Exactly one field is set.
type Config struct {
	S3   *S3Config
	Mock *MockConfig
}

type pusher interface {
	// Errors:
	//
	// 	- metabase-error-io -- if the object store cannot be reached
	has(ctx context.Context, key string) (bool, error)
	// Errors:
	//
	// 	- metabase-error-io -- if the upload fails
	push(ctx context.Context, key string, body []byte) error
}

func pusherFromConfig(ctx context.Context, cfg Config) (pusher, error) {
	switch {
	case cfg.S3 != nil:
		return newS3Pusher(ctx, *cfg.S3)
	case cfg.Mock != nil:
		return newMockPusher(*cfg.Mock), nil
	}
	return nil, mbapi.ErrorInvalid("no object store configured for mirroring")
}

// Report lists what a push did.
type Report struct {
	// Uploaded lists the resources whose payload was uploaded.
	Uploaded []mbapi.ResourceID

	// Present lists the resources whose payload the store already held.
	Present []mbapi.ResourceID
}

// payloadKey spreads payloads over two levels of directories named after the content ID.
func payloadKey(contentID string) string {
	if len(contentID) < 6 {
		return path.Join("payload", contentID)
	}
	return path.Join("payload", contentID[0:3], contentID[3:6], contentID)
}

func infoKey(id mbapi.ResourceID) string {
	return path.Join("info", string(id))
}

// Push copies every resource of b whose ID starts with prefix to the configured store.
//
// Errors:
//
// 	- metabase-error-invalid -- if cfg names no object store
// 	- metabase-error-io -- if the object store fails
// 	- metabase-error-backend -- if b cannot be read
// 	- metabase-error-serialization -- if a content ID cannot be computed
func Push(ctx context.Context, b backend.Backend, prefix string, cfg Config) (Report, error) {
	p, err := pusherFromConfig(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	return push(ctx, p, b, prefix)
}

func push(ctx context.Context, p pusher, b backend.Backend, prefix string) (Report, error) {
	log := logging.Ctx(ctx)
	var report Report

	ids, err := b.List(ctx, prefix)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		rec, err := b.Get(ctx, id, false)
		if err != nil {
			if mbapi.IsNotFound(err) {
				// deleted since listing
				continue
			}
			return report, err
		}
		info := rec.Info
		if info.ContentID == nil {
			contentID, err := serial.ContentID(rec.Payload)
			if err != nil {
				return report, err
			}
			info.ContentID = &contentID
		}

		key := payloadKey(*info.ContentID)
		present, err := p.has(ctx, key)
		if err != nil {
			return report, err
		}
		if present {
			log.Debug(LogTag, "store already has %s, skipping", key)
			report.Present = append(report.Present, id)
		} else {
			log.Info(LogTag, "pushing %s (%d bytes) to %s", id, len(rec.Payload), key)
			if err := p.push(ctx, key, rec.Payload); err != nil {
				return report, err
			}
			report.Uploaded = append(report.Uploaded, id)
		}

		meta, err := mbapi.MarshalJSON(info, "ResourceInfo")
		if err != nil {
			return report, err
		}
		if err := p.push(ctx, infoKey(id), meta); err != nil {
			return report, err
		}
	}
	return report, nil
}
