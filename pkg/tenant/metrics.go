package tenant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StorageWrites tracks field-level storage operations by kind.
	StorageWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_tenant_storage_writes_total",
			Help: "Total number of tenant storage field operations",
		},
		[]string{"op"}, // "set", "unset"
	)

	// StoreErrors tracks tenant store operation errors.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_tenant_store_errors_total",
			Help: "Total number of tenant store operation errors",
		},
		[]string{"operation"}, // "get", "update", "put"
	)

	// SnapshotLookups tracks snapshot reads by result.
	SnapshotLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_tenant_snapshot_lookups_total",
			Help: "Total number of tenant snapshot lookups",
		},
		[]string{"result"}, // "hit", "miss", "refresh"
	)
)
