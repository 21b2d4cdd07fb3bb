package cache

// Reserved top-level bucket for storage metadata. Names starting with "__"
// are never reported as cache buckets and cannot be opened as one.
const (
	BucketMeta = "__meta"

	// Nested buckets inside every cache bucket
	SubEntries = "entries" // {request key} -> Entry
	SubOrder   = "order"   // {uint64 seq, big endian} -> request key

	// Meta keys
	KeySchemaVersion = "schema_version"
	KeyLastGC        = "last_gc"

	reservedPrefix = "__"

	// Blob store category for response bodies
	categoryBodies = "bodies"
)
