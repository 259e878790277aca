/*
Package metrics exposes Prometheus instrumentation for the HashFS engine:
block store throughput, upload token lifecycle, job queue depth, garbage
collector sweep outcomes, and rebalance progress. The engine only produces
the registry and a Timer helper for histogram observation — scraping it over
HTTP is the (out-of-scope) front-end's job.

	timer := metrics.NewTimer()
	// ... write and index a block ...
	timer.ObserveDurationVec(metrics.BlockPutDuration, sizeClass)
	metrics.BlocksStored.WithLabelValues(sizeClass).Inc()

Component health (metrics.UpdateComponent / metrics.Components) is a
lightweight in-process registry that the daemon's startup sequence updates;
it does not marshal to JSON, log itself, or serve HTTP.
*/
package metrics
