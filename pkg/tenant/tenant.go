// Package tenant models a tenant configuration and its persisted Storage map.
//
// The tenant document itself is owned by an external registry. This package
// only reads it and applies field-level set/unset operations to Storage, so
// concurrent writers that touch different keys never clobber each other.
package tenant

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrTenantNotFound is returned when the tenant no longer exists in the registry.
var ErrTenantNotFound = errors.New("tenant not found")

// Proxy holds the outbound proxy settings of a tenant.
type Proxy struct {
	HTTP  string `json:"http,omitempty"`
	HTTPS string `json:"https,omitempty"`
}

// Tenant is a read snapshot of one tenant configuration.
// Snapshots are shared between goroutines and must be treated as read-only.
type Tenant struct {
	// Name is the tenant configuration name (registry key).
	Name string `json:"name"`

	// Hostname is the tenant base URL, e.g. "https://acme.example.com".
	Hostname string `json:"hostname"`

	// Token is the resolved API token.
	Token string `json:"token"`

	UseProxy bool  `json:"use_proxy"`
	Proxy    Proxy `json:"proxy"`

	// Checkpoint is the configured initial pull point for first pulls.
	Checkpoint *time.Time `json:"checkpoint,omitempty"`

	// PluginEnabled and ModuleEnabled gate pulling. Both must be true.
	PluginEnabled bool `json:"plugin_enabled"`
	ModuleEnabled bool `json:"module_enabled"`

	// Storage is the persisted key/value state, keyed by dotted path.
	Storage Storage `json:"-"`
}

// Enabled reports whether pulling is allowed for this tenant.
func (t *Tenant) Enabled() bool {
	return t.PluginEnabled && t.ModuleEnabled
}

// BaseURL returns the hostname with a scheme, without a trailing slash.
func (t *Tenant) BaseURL() string {
	host := strings.TrimRight(t.Hostname, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}

// Clone returns a deep copy of the snapshot.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	if t.Checkpoint != nil {
		cp := *t.Checkpoint
		c.Checkpoint = &cp
	}
	c.Storage = make(Storage, len(t.Storage))
	for k, v := range t.Storage {
		c.Storage[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

// Storage is the flattened persisted state of a tenant. Values are JSON.
type Storage map[string]json.RawMessage

// Has reports whether key is present with a non-null value.
func (s Storage) Has(key string) bool {
	raw, ok := s[key]
	return ok && string(raw) != "null"
}

// Bool returns the boolean at key, or def when missing or not a boolean.
func (s Storage) Bool(key string, def bool) bool {
	raw, ok := s[key]
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Int64 returns the integer at key. ok is false when missing, null, or not an integer.
func (s Storage) Int64(key string) (int64, bool) {
	raw, ok := s[key]
	if !ok || string(raw) == "null" {
		return 0, false
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// String returns the string at key, or "" when missing or not a string.
func (s Storage) String(key string) string {
	raw, ok := s[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// WithPrefix returns the entries whose key starts with prefix + ".",
// keyed by the remainder of the path.
func (s Storage) WithPrefix(prefix string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for k, v := range s {
		if rest, ok := strings.CutPrefix(k, prefix+"."); ok {
			out[rest] = v
		}
	}
	return out
}
