package tenant

import "strings"

// KeyPrefix namespaces every Redis key written by this package.
const KeyPrefix = "ce:tenant"

// Key identifies one Redis key belonging to a tenant.
type Key struct {
	// Tenant is the tenant configuration name.
	Tenant string

	// Part selects the document: "" for the configuration, "storage" for the hash.
	Part string
}

// String generates a deterministic key.
// Format: ce:tenant:<name>[:<part>]
//
// Example:
//
//	ce:tenant:acme-prod:storage
func (k Key) String() string {
	parts := []string{KeyPrefix, strings.ReplaceAll(k.Tenant, ":", "_")}
	if k.Part != "" {
		parts = append(parts, k.Part)
	}
	return strings.Join(parts, ":")
}

// ConfigKey returns the key holding the tenant configuration JSON.
func ConfigKey(name string) string {
	return Key{Tenant: name}.String()
}

// StorageKey returns the key of the hash holding the tenant storage.
func StorageKey(name string) string {
	return Key{Tenant: name, Part: "storage"}.String()
}
