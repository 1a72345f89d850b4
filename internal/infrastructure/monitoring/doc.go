/*
Package monitoring provides metrics collection for module storage.

# Overview

This package implements Prometheus-based metrics for the storage engine,
tracking lifecycle operations, persistence, stale content handling and the
open content file cache.

# Usage

	// Create metrics collector on a private registry
	metrics := monitoring.NewMetrics(nil)

	// Time operations
	timer := monitoring.NewTimer(metrics, monitoring.OpInstall)
	// ... perform operation ...
	timer.Stop(err)

	// Metrics satisfies bundlefile.Stats
	mru := bundlefile.NewMRUList(limit, metrics)

# Exposition

	metrics.WriteText(os.Stdout)
*/
package monitoring
