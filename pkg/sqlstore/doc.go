/*
Package sqlstore is the thin layer over the embedded SQL engine
(modernc.org/sqlite) that every HashFS database file sits on: the catalog
(hashfs.db), the upload-token store (temp.db), the job/action queue
(events.db), the transfer-push queue (xfers.db), the 16 metadata shards, and
the 48 block-index shards (spec.md §2 item 1, §6).

Each on-disk file gets exactly one *DB for the engine's lifetime (spec.md §9
"Shared-file descriptors" generalizes to connections too: one *sql.DB per
file, opened once, held for as long as the process runs). WAL mode and a
busy-timeout are set on open so that multiple engine processes sharing a
directory tolerate lock contention per spec.md §5 instead of failing outright.

Statements are parsed once per SQL text and cached per *DB (spec.md §9
"Per-connection statement caches"): database/sql already pools *sql.Stmt
safely for concurrent use, so the cache here only avoids re-parsing
identical SQL text, never hand-resets bindings the way the original C engine
did.
*/
package sqlstore
