package serial

import (
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

var payloadPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ContentID returns the CID of an encoded payload.
// It is recorded in resource metadata so that copies of a resource can be compared cheaply.
//
// Errors:
//
//    - metabase-error-serialization -- if hashing fails
func ContentID(payload []byte) (string, error) {
	c, err := payloadPrefix.Sum(payload)
	if err != nil {
		return "", mbapi.ErrorSerialization("computing content id", err)
	}
	return c.String(), nil
}

// NewRecord describes an encoded payload for storage under id.
//
// Errors:
//
//    - metabase-error-serialization -- if hashing fails
func NewRecord(id mbapi.ResourceID, obj *resource.Object, payload []byte, user string, now time.Time, reg *Registry) (mbapi.ResourceRecord, error) {
	if reg == nil {
		reg = DefaultRegistry
	}
	contentID, err := ContentID(payload)
	if err != nil {
		return mbapi.ResourceRecord{}, err
	}
	typeName := reg.TypeName(obj.Value)
	rec := mbapi.ResourceRecord{
		ID: id,
		Info: mbapi.ResourceInfo{
			CreationTime: now.UTC().Format(time.RFC3339),
			PayloadSize:  int64(len(payload)),
			Description:  obj.Doc,
			ContentID:    &contentID,
			TypeName:     &typeName,
		},
		Payload: payload,
	}
	if user != "" {
		rec.Info.User = &user
	}
	return rec, nil
}
