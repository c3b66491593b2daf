// Package backend defines the storage interface a catalog resolves names against,
// and the adapter which implements it on top of any simple key-value engine.
//
// Engines live in subpackages (badgerkv, boltkv, rediskv, sqlkv, memkv),
// next to rpcclient, which implements Backend against a remote resource server.
// Package locator picks one of them from a locator string.
package backend

import (
	"context"

	"github.com/warptools/metabase/mbapi"
)

// Backend is one storage provider of a catalog.
//
// Every read reports a missing entry with metabase-error-not-found,
// which a layered catalog treats as "try the next backend".
// Writes to a backend that is not Writable fail with metabase-error-read-only.
type Backend interface {
	// Locator is the string the backend was opened from.
	Locator() string

	// Writable reports whether Put and the schema writers may be used.
	Writable() bool

	// Get returns the stored record of id.
	// download asks remote backends to materialize the resource rather than stream it.
	Get(ctx context.Context, id mbapi.ResourceID, download bool) (mbapi.ResourceRecord, error)

	// Describe returns only the metadata of id.
	Describe(ctx context.Context, id mbapi.ResourceID) (mbapi.ResourceInfo, error)

	Put(ctx context.Context, rec mbapi.ResourceRecord) error
	Delete(ctx context.Context, id mbapi.ResourceID) error

	// GetSchema returns the schema record stored for id.
	GetSchema(ctx context.Context, id mbapi.ResourceID) (mbapi.SchemaRecord, error)

	// PutSchema stores a single binding in the schema record of id.
	PutSchema(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error

	// DeleteSchema removes a single binding; the record goes away with its last entry.
	DeleteSchema(ctx context.Context, id mbapi.ResourceID, attr string) error

	// PutSchemaRecord replaces the whole schema record of id.
	PutSchemaRecord(ctx context.Context, id mbapi.ResourceID, rec mbapi.SchemaRecord) error
	DeleteSchemaRecord(ctx context.Context, id mbapi.ResourceID) error

	// PutSchemaEdge adds source -> target, labelled with the relation name, to the schema graph.
	PutSchemaEdge(ctx context.Context, source, target, relation mbapi.ResourceID) error

	// SchemaEdges returns the outgoing edges of id, or the incoming ones.
	SchemaEdges(ctx context.Context, id mbapi.ResourceID, incoming bool) (mbapi.SchemaEdges, error)
	DeleteSchemaEdge(ctx context.Context, source, target mbapi.ResourceID) error

	// List returns every stored ResourceID starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]mbapi.ResourceID, error)

	// RootNames returns the first segments of all stored IDs.
	RootNames(ctx context.Context) (mbapi.RootNames, error)

	Close() error
}
