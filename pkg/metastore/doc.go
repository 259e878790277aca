/*
Package metastore is the 16-shard file metadata layer: each shard is one
SQLite database holding (volume, name, revision) → (size, content hash
list) rows, per-file key/value metadata, and a relocation queue consulted
during rebalance.

A name's shard is murmur(sha1(name)) mod 16 (ShardFor), independent of its
volume, so listing a volume always fans out across every shard.
*/
package metastore
