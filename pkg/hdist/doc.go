/*
Package hdist implements the versioned consistent-hash placement model
(spec.md §4.1, "hdist"): a serialised Distribution blob carrying one build
(stable) or two (rebalancing — a previous and a next), and Hashnodes, which
maps any content hash to an ordered replica set.

	d := hdist.New(1, seed, members)
	nodes, err := d.Hashnodes(hdist.Next, hash, replica)

During rebalance a Distribution carries both a Prev and a Next build; the
Which values select prev-only, next-only, or a prev∪next / next∪prev union
for the read and delete sides described in spec.md §4.1. Given the same blob,
every node computes an identical ordered list for any hash (spec.md §8) —
the ordering is a pure function of the blob's member list and the seed, with
no node-local state involved.
*/
package hdist
