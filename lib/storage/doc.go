// Package storage implements document collections on top of an ordered
// key-value substrate (package kv).
//
// A Storage is created once per substrate and hands out one Instance per
// collection. Each instance owns the key space
//
//	<database>|<collection>|<schemaVersion>
//
// with these namespaces:
//
//	_doc      doc id            -> {"seq": n, "doc": {...}}
//	i<n>      index string      -> doc id   (one per schema.StorageIndex)
//	_changes  16 hex digit seq  -> doc id   (change log)
//	_att      doc id NUL att id -> base64 attachment data
//	_meta     "seq" / "layout"  -> sequence counter / index layout
//
// Writes:
//
// BulkWrite handles every row on its own. The stored document and the
// sequence counter are read, the previous revision of the row is compared
// with the stored one and then a single AtomicWrite with checks on both keys
// replaces the document, its index entries and its change log entry and
// advances the counter. The instance holds no locks: if the counter check
// fails another row was written concurrently and the row is retried; if the
// document check fails the row is evaluated again and usually turns into a
// conflict (status 409). Every committed write carries a new revision, so a
// writer still holding an older one always conflicts. Once a handler reads
// ConflictResultionTasks, conflicts are also queued there as ConflictTasks.
//
// Change feed:
//
// The change log holds exactly one entry per document, the one of its latest
// write, so GetChangedDocumentsSince delivers every document once per
// checkpoint window and in write order. ChangeStream subscriptions receive
// the same writes as EventBulks; they are best effort and end when the
// instance closes.
//
// Cleanup purges soft deleted documents through the internal cleanup index
// ([_deleted, _meta.lwt, pk]) in batches of Settings.BatchSize.
//
// Metrics are recorded with VictoriaMetrics (ddoc_bulk_write_rows_total,
// ddoc_bulk_write_duration_seconds, ddoc_query_duration_seconds, ...).
package storage
