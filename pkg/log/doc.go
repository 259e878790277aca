/*
Package log provides structured logging for the HashFS node using zerolog.

A single package-level Logger is configured once via Init and shared by every
component. Component loggers (WithComponent, WithVolume, WithShard, WithJob)
attach context fields so log lines from the block store, metadata store, job
queue, and garbage collector can be filtered and correlated without ever
formatting a string by hand.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	bs := log.WithComponent("blockstore")
	bs.Info().Str("hash", hex.EncodeToString(h[:])).Msg("block stored")

	gc := log.WithComponent("gc").With().Int("shard", shard).Logger()
	gc.Warn().Int("skipped", n).Msg("refcount sweep skipped: negative use row")

# Conventions

  - Never log secrets: HMAC keys, token text, or raw block payloads.
  - Use typed fields (.Str, .Int64, .Err) instead of fmt.Sprintf — this keeps
    JSON output parseable and avoids log injection from volume/file names.
  - Fatal exits the process; reserve it for unrecoverable startup failures
    (a database that cannot be opened, a corrupt data-file header).
*/
package log
