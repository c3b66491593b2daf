package backend

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warptools/metabase/mbapi"
)

// KVStore is the small contract an embedded or networked key-value engine fulfils
// to serve as a catalog backend through the KV adapter.
type KVStore interface {
	// Get returns ok=false for an absent key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete returns existed=false for an absent key.
	Delete(ctx context.Context, key string) (existed bool, err error)
	// Keys returns every key starting with prefix, in any order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Key layout of the KV adapter.
const (
	KeyInfoPrefix     = "__doc__."
	KeySchemaPrefix   = mbapi.ReservedRootSchema + "."
	KeyGraphOutPrefix = "__graph__.out."
	KeyGraphInPrefix  = "__graph__.in."
	KeyVersion        = "0version"
	KeyRoot           = "0root"

	// FormatVersion is written to KeyVersion when a store is first initialized.
	FormatVersion = "metabase-kv-1"
)

// KV implements Backend on a KVStore.
type KV struct {
	store    KVStore
	locator  string
	writable bool

	// mu serializes the read-modify-write cycles on schema, graph, and root keys.
	mu sync.Mutex
}

var _ Backend = (*KV)(nil)

// NewKV wraps store. A writable store without a version stamp is initialized.
//
// Errors:
//
//    - metabase-error-backend -- if the store cannot be read or initialized
//    - metabase-error-corrupt-data -- if the store carries an unknown format version
func NewKV(ctx context.Context, store KVStore, locator string, writable bool) (*KV, error) {
	kv := &KV{store: store, locator: locator, writable: writable}
	v, ok, err := store.Get(ctx, KeyVersion)
	if err != nil {
		return nil, mbapi.ErrorBackend(locator, err)
	}
	switch {
	case ok && string(v) != FormatVersion:
		return nil, mbapi.ErrorCorruptData("store "+locator+" has format version "+string(v)+", expected "+FormatVersion, nil)
	case !ok && writable:
		if err := store.Put(ctx, KeyVersion, []byte(FormatVersion)); err != nil {
			return nil, mbapi.ErrorBackend(locator, err)
		}
		if err := kv.putJSON(ctx, KeyRoot, mbapi.RootNames{}, "RootNames"); err != nil {
			return nil, err
		}
	}
	return kv, nil
}

func (kv *KV) Locator() string { return kv.locator }
func (kv *KV) Writable() bool  { return kv.writable }
func (kv *KV) Close() error    { return kv.store.Close() }

func (kv *KV) checkWritable() error {
	if !kv.writable {
		return mbapi.ErrorReadOnly(kv.locator)
	}
	return nil
}

func (kv *KV) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := kv.store.Get(ctx, key)
	if err != nil {
		return nil, false, mbapi.ErrorBackend(kv.locator, err)
	}
	return v, ok, nil
}

func (kv *KV) put(ctx context.Context, key string, value []byte) error {
	if err := kv.store.Put(ctx, key, value); err != nil {
		return mbapi.ErrorBackend(kv.locator, err)
	}
	return nil
}

func (kv *KV) del(ctx context.Context, key string) (bool, error) {
	existed, err := kv.store.Delete(ctx, key)
	if err != nil {
		return false, mbapi.ErrorBackend(kv.locator, err)
	}
	return existed, nil
}

func (kv *KV) getJSON(ctx context.Context, key string, v interface{}, typeName string) (bool, error) {
	data, ok, err := kv.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := mbapi.UnmarshalJSON(data, v, typeName); err != nil {
		return false, mbapi.ErrorCorruptData("key "+key+" of "+kv.locator, err)
	}
	return true, nil
}

func (kv *KV) putJSON(ctx context.Context, key string, v interface{}, typeName string) error {
	data, err := mbapi.MarshalJSON(v, typeName)
	if err != nil {
		return err
	}
	return kv.put(ctx, key, data)
}

// Get returns the payload and metadata of id.
// A payload without metadata is returned with empty metadata.
//
// Errors:
//
//    - metabase-error-not-found -- if id is not stored
//    - metabase-error-backend -- if the store fails
//    - metabase-error-corrupt-data -- if the metadata cannot be decoded
func (kv *KV) Get(ctx context.Context, id mbapi.ResourceID, download bool) (mbapi.ResourceRecord, error) {
	payload, ok, err := kv.get(ctx, string(id))
	if err != nil {
		return mbapi.ResourceRecord{}, err
	}
	if !ok {
		return mbapi.ResourceRecord{}, mbapi.ErrorNotFound(id, kv.locator)
	}
	rec := mbapi.ResourceRecord{ID: id, Payload: payload}
	if _, err := kv.getJSON(ctx, KeyInfoPrefix+string(id), &rec.Info, "ResourceInfo"); err != nil {
		return mbapi.ResourceRecord{}, err
	}
	return rec, nil
}

// Describe returns the metadata of id.
//
// Errors:
//
//    - metabase-error-not-found -- if id has no metadata
//    - metabase-error-backend -- if the store fails
//    - metabase-error-corrupt-data -- if the metadata cannot be decoded
func (kv *KV) Describe(ctx context.Context, id mbapi.ResourceID) (mbapi.ResourceInfo, error) {
	var info mbapi.ResourceInfo
	ok, err := kv.getJSON(ctx, KeyInfoPrefix+string(id), &info, "ResourceInfo")
	if err != nil {
		return info, err
	}
	if !ok {
		return info, mbapi.ErrorNotFound(id, kv.locator)
	}
	return info, nil
}

// Put stores payload and metadata, and adds the ID's root name to the root listing.
//
// Errors:
//
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) Put(ctx context.Context, rec mbapi.ResourceRecord) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	if err := kv.put(ctx, string(rec.ID), rec.Payload); err != nil {
		return err
	}
	if err := kv.putJSON(ctx, KeyInfoPrefix+string(rec.ID), rec.Info, "ResourceInfo"); err != nil {
		return err
	}
	return kv.addRootName(ctx, rec.ID.Segments()[0])
}

func (kv *KV) addRootName(ctx context.Context, root string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var names mbapi.RootNames
	if _, err := kv.getJSON(ctx, KeyRoot, &names, "RootNames"); err != nil {
		return err
	}
	for _, n := range names {
		if n == root {
			return nil
		}
	}
	names = append(names, root)
	sort.Strings(names)
	return kv.putJSON(ctx, KeyRoot, names, "RootNames")
}

// Delete removes payload and metadata of id.
// The root name of id leaves the root listing once nothing is stored under it.
//
// Errors:
//
//    - metabase-error-not-found -- if id is not stored
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) Delete(ctx context.Context, id mbapi.ResourceID) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	existed, err := kv.del(ctx, string(id))
	if err != nil {
		return err
	}
	if !existed {
		return mbapi.ErrorNotFound(id, kv.locator)
	}
	if _, err := kv.del(ctx, KeyInfoPrefix+string(id)); err != nil {
		return err
	}
	return kv.dropRootName(ctx, id.Segments()[0])
}

// dropRootName removes root from the root listing unless a resource is still stored under it.
func (kv *KV) dropRootName(ctx context.Context, root string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok, err := kv.get(ctx, root); err != nil || ok {
		return err
	}
	keys, err := kv.store.Keys(ctx, root+".")
	if err != nil {
		return mbapi.ErrorBackend(kv.locator, err)
	}
	if len(keys) > 0 {
		return nil
	}
	var names mbapi.RootNames
	if _, err := kv.getJSON(ctx, KeyRoot, &names, "RootNames"); err != nil {
		return err
	}
	kept := names[:0]
	for _, n := range names {
		if n != root {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(names) {
		return nil
	}
	return kv.putJSON(ctx, KeyRoot, kept, "RootNames")
}

// GetSchema returns the schema record of id.
//
// Errors:
//
//    - metabase-error-not-found -- if id has no schema
//    - metabase-error-backend -- if the store fails
//    - metabase-error-corrupt-data -- if the record cannot be decoded
func (kv *KV) GetSchema(ctx context.Context, id mbapi.ResourceID) (mbapi.SchemaRecord, error) {
	var rec mbapi.SchemaRecord
	ok, err := kv.getJSON(ctx, KeySchemaPrefix+string(id), &rec, "SchemaRecord")
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, mbapi.ErrorNotFound(id, kv.locator+" schema")
	}
	return rec, nil
}

// PutSchema stores one binding of id. The special attribute "-schemaEdge"
// cannot be stored this way; use PutSchemaRecord.
//
// Errors:
//
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-schema-violation -- if the binding has no target
//    - metabase-error-backend -- if the store fails
func (kv *KV) PutSchema(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	if args.TargetID == "" {
		return mbapi.ErrorSchemaViolation("binding " + attr + " of " + string(id) + " has no target")
	}
	return kv.updateSchema(ctx, id, func(rec *mbapi.SchemaRecord) bool {
		rec.SetBinding(attr, args)
		return true
	})
}

// DeleteSchema removes one binding of id, or its relation record when attr is "-schemaEdge".
//
// Errors:
//
//    - metabase-error-not-found -- if there is no such binding
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) DeleteSchema(ctx context.Context, id mbapi.ResourceID, attr string) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	found := false
	err := kv.updateSchema(ctx, id, func(rec *mbapi.SchemaRecord) bool {
		if attr == mbapi.SchemaEdgeAttr {
			found = rec.SchemaEdge != nil
			rec.SchemaEdge = nil
		} else {
			found = rec.DeleteBinding(attr)
		}
		return found
	})
	if err != nil {
		return err
	}
	if !found {
		return mbapi.ErrorNotFound(id.Child(attr), kv.locator+" schema")
	}
	return nil
}

func (kv *KV) updateSchema(ctx context.Context, id mbapi.ResourceID, fn func(rec *mbapi.SchemaRecord) (changed bool)) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	key := KeySchemaPrefix + string(id)
	var rec mbapi.SchemaRecord
	if _, err := kv.getJSON(ctx, key, &rec, "SchemaRecord"); err != nil {
		return err
	}
	if !fn(&rec) {
		return nil
	}
	if rec.Empty() {
		_, err := kv.del(ctx, key)
		return err
	}
	return kv.putJSON(ctx, key, rec, "SchemaRecord")
}

// PutSchemaRecord replaces the whole schema record of id.
//
// Errors:
//
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) PutSchemaRecord(ctx context.Context, id mbapi.ResourceID, rec mbapi.SchemaRecord) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if rec.Empty() {
		_, err := kv.del(ctx, KeySchemaPrefix+string(id))
		return err
	}
	return kv.putJSON(ctx, KeySchemaPrefix+string(id), rec, "SchemaRecord")
}

// DeleteSchemaRecord removes the whole schema record of id.
//
// Errors:
//
//    - metabase-error-not-found -- if id has no schema
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) DeleteSchemaRecord(ctx context.Context, id mbapi.ResourceID) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	existed, err := kv.del(ctx, KeySchemaPrefix+string(id))
	if err != nil {
		return err
	}
	if !existed {
		return mbapi.ErrorNotFound(id, kv.locator+" schema")
	}
	return nil
}

// PutSchemaEdge records source -> target in both directions of the schema graph.
//
// Errors:
//
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) PutSchemaEdge(ctx context.Context, source, target, relation mbapi.ResourceID) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if err := kv.updateEdges(ctx, KeyGraphOutPrefix+string(source), func(e *mbapi.SchemaEdges) bool {
		e.Set(target, relation)
		return true
	}); err != nil {
		return err
	}
	return kv.updateEdges(ctx, KeyGraphInPrefix+string(target), func(e *mbapi.SchemaEdges) bool {
		e.Set(source, relation)
		return true
	})
}

// SchemaEdges returns the neighbours of id in the schema graph.
// A node without edges has an empty result.
//
// Errors:
//
//    - metabase-error-backend -- if the store fails
//    - metabase-error-corrupt-data -- if the stored edges cannot be decoded
func (kv *KV) SchemaEdges(ctx context.Context, id mbapi.ResourceID, incoming bool) (mbapi.SchemaEdges, error) {
	prefix := KeyGraphOutPrefix
	if incoming {
		prefix = KeyGraphInPrefix
	}
	var edges mbapi.SchemaEdges
	_, err := kv.getJSON(ctx, prefix+string(id), &edges, "SchemaEdges")
	return edges, err
}

// DeleteSchemaEdge removes source -> target from the schema graph.
//
// Errors:
//
//    - metabase-error-not-found -- if there is no such edge
//    - metabase-error-read-only -- if the backend is not writable
//    - metabase-error-backend -- if the store fails
func (kv *KV) DeleteSchemaEdge(ctx context.Context, source, target mbapi.ResourceID) error {
	if err := kv.checkWritable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	found := false
	if err := kv.updateEdges(ctx, KeyGraphOutPrefix+string(source), func(e *mbapi.SchemaEdges) bool {
		found = e.Delete(target)
		return found
	}); err != nil {
		return err
	}
	if err := kv.updateEdges(ctx, KeyGraphInPrefix+string(target), func(e *mbapi.SchemaEdges) bool {
		return e.Delete(source)
	}); err != nil {
		return err
	}
	if !found {
		return mbapi.ErrorNotFound(source+" -> "+target, kv.locator+" schema graph")
	}
	return nil
}

// updateEdges must be called with mu held.
func (kv *KV) updateEdges(ctx context.Context, key string, fn func(e *mbapi.SchemaEdges) (changed bool)) error {
	var edges mbapi.SchemaEdges
	if _, err := kv.getJSON(ctx, key, &edges, "SchemaEdges"); err != nil {
		return err
	}
	if !fn(&edges) {
		return nil
	}
	if len(edges.Keys) == 0 {
		_, err := kv.del(ctx, key)
		return err
	}
	return kv.putJSON(ctx, key, edges, "SchemaEdges")
}

// List returns the stored ResourceIDs starting with prefix.
// Bookkeeping keys are never listed.
//
// Errors:
//
//    - metabase-error-backend -- if the store fails
func (kv *KV) List(ctx context.Context, prefix string) ([]mbapi.ResourceID, error) {
	keys, err := kv.store.Keys(ctx, prefix)
	if err != nil {
		return nil, mbapi.ErrorBackend(kv.locator, err)
	}
	ids := make([]mbapi.ResourceID, 0, len(keys))
	for _, k := range keys {
		if IsBookkeepingKey(k) {
			continue
		}
		ids = append(ids, mbapi.ResourceID(k))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IsBookkeepingKey reports whether key belongs to the adapter rather than naming a resource.
func IsBookkeepingKey(key string) bool {
	return strings.HasPrefix(key, "__") ||
		strings.HasPrefix(key, KeySchemaPrefix) ||
		key == KeyVersion || key == KeyRoot
}

// RootNames returns the root listing.
//
// Errors:
//
//    - metabase-error-backend -- if the store fails
//    - metabase-error-corrupt-data -- if the listing cannot be decoded
func (kv *KV) RootNames(ctx context.Context) (mbapi.RootNames, error) {
	var names mbapi.RootNames
	_, err := kv.getJSON(ctx, KeyRoot, &names, "RootNames")
	return names, err
}
