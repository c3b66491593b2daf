package tracing

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys used by metabase
const (
	AttrKeyMetabaseErrorCode  = "metabase.error.code"
	AttrKeyMetabaseResourceID = "metabase.resource.id"
	AttrKeyMetabaseLocator    = "metabase.backend.locator"
	AttrKeyMetabaseLayer      = "metabase.backend.layer"
	AttrKeyMetabasePending    = "metabase.txn.pending"
	AttrKeyMetabaseTxnID      = "metabase.txn.id"
)

// ResourceID is a shortcut for the resource id span attribute.
func ResourceID(id string) attribute.KeyValue {
	return attribute.String(AttrKeyMetabaseResourceID, id)
}

// Locator is a shortcut for the backend locator span attribute.
func Locator(loc string) attribute.KeyValue {
	return attribute.String(AttrKeyMetabaseLocator, loc)
}
