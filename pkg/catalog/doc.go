/*
Package catalog is the single global database per node directory
(hashfs.db): node identity, volumes and their key/value metadata, users and
ACLs, and the current (and, during rebalance, previous) placement
distribution.

Catalog.SaveDistribution and LoadDistribution round-trip an
*hdist.Distribution through relational rows rather than a serialised blob,
keeping the catalog free of any ad hoc encoding format.
*/
package catalog
