/*
Package blockstore is the content-addressed block layer (spec.md §4.2): 48
shards, one per (size class, shard index) pair, each holding a flat data
file of fixed-size slots and an index database of blocks, reservations,
operations, and materialised use counts.

Store.BlockPut writes a new block after checking local next-placement;
Store.BlockGet reads one back by hash; Store.Hashop implements the four
variant operations (check, reserve, inuse, delete) a caller uses to manage a
block's reservation and refcount state during an upload or a delete.

Slot 0 of every data file is a fixed header validated on open (spec.md §6);
a mismatch aborts rather than trusting a foreign file.
*/
package blockstore
