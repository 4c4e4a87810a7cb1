// Package cursor manages server-side export cursors ("iterators"): the
// explicitly provisioned client-status cursor, its readiness polling, and
// the deterministic names of implicit per-subtype cursors.
package cursor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCursorAlreadyExists is returned when the tenant already has a cursor
// for the event type. It is a configuration error and is never retried.
var ErrCursorAlreadyExists = errors.New("cursor already exists for event type")

// ErrCursorNameMissing is returned when a 202 response carries no cursor name.
var ErrCursorNameMissing = errors.New("cursor name missing from provisioning response")

// AlreadyExistsMarker is the body text of the "one cursor per event type" conflict.
const AlreadyExistsMarker = "Only one iterator is allowed per event type. Please use the existing iterator"

// ClientStatusName is the requested name of the client-status cursor.
const ClientStatusName = "netskope_ce_cs_iterator"

// ClientStatusEventType is the event type the client-status cursor serves.
const ClientStatusEventType = "clientstatus"

// DefaultPrefix starts every implicit cursor name.
const DefaultPrefix = "netskope_ce"

// State is the lifecycle state of a cursor.
type State string

const (
	StateCreating State = "creating"
	StatePolling  State = "polling"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Status is the readiness reported by the tenant API.
type Status string

const (
	StatusReady      Status = "Ready"
	StatusInProgress Status = "InProgress"
	StatusFailed     Status = "Failed"
)

// Mode selects which cursor names a subtype maps to.
type Mode string

const (
	ModeMaintenance Mode = "maintenance"
	ModeHistorical  Mode = "historical"
)

// Cursor is one server-side export cursor owned by a single worker.
type Cursor struct {
	Name     string
	Subtype  string
	DataType string
	State    State

	hwm *int64
}

// New returns an implicit cursor, which is always ready.
func New(name, dataType, subtype string) *Cursor {
	return &Cursor{Name: name, Subtype: subtype, DataType: dataType, State: StateReady}
}

// HighWaterMark returns the last confirmed position, if any.
func (c *Cursor) HighWaterMark() (int64, bool) {
	if c.hwm == nil {
		return 0, false
	}
	return *c.hwm, true
}

// HWM returns a copy of the high-water-mark pointer for persistence.
func (c *Cursor) HWM() *int64 {
	if c.hwm == nil {
		return nil
	}
	v := *c.hwm
	return &v
}

// Advance moves the high-water-mark forward. A smaller value is ignored,
// so the mark never decreases. It reports whether the mark changed.
func (c *Cursor) Advance(hwm int64) bool {
	if c.hwm != nil && hwm <= *c.hwm {
		return false
	}
	c.hwm = &hwm
	return true
}

// ImplicitName is the deterministic cursor name of a subtype.
func ImplicitName(prefix, dataType, subtype string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s_%s_%s", prefix, dataType, subtype), " ", "")
}

// HistoricalName is the cursor name used for historical pulling.
func HistoricalName(prefix, dataType, subtype string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s_historical_%s_%s", prefix, dataType, subtype), " ", "")
}

// OverrideKey is the lowercase environment key that overrides the cursor
// indexes of a subtype: iterator_<type>_<subtype>.
func OverrideKey(dataType, subtype string) string {
	return "iterator_" + strings.ToLower(dataType) + "_" + strings.ReplaceAll(strings.ToLower(subtype), " ", "_")
}

// Indexes returns the cursor names a subtype fans out to. Historical mode
// always uses the single historical name; maintenance mode uses the
// override list when one is configured.
func Indexes(mode Mode, prefix, dataType, subtype string, overrides map[string][]string) []string {
	if mode == ModeHistorical {
		return []string{HistoricalName(prefix, dataType, subtype)}
	}
	if names := overrides[OverrideKey(dataType, subtype)]; len(names) > 0 {
		out := make([]string, 0, len(names))
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
		sort.Strings(out)
		if len(out) > 0 {
			return out
		}
	}
	return []string{ImplicitName(prefix, dataType, subtype)}
}

// IsOverride reports whether name is one of the configured override indexes.
// Override indexes are pre-positioned and never receive an explicit resume
// timestamp.
func IsOverride(name string, overrides map[string][]string) bool {
	for _, names := range overrides {
		for _, n := range names {
			if strings.TrimSpace(n) == name {
				return true
			}
		}
	}
	return false
}
