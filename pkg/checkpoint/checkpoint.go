// Package checkpoint defines the persisted pull-progress layout in tenant
// storage and the set/unset operations that maintain it.
//
// Layout (per tenant, flattened dotted keys):
//
//	first_<type>_pull.first_<subtype>_pull          bool
//	disabled_<type>_pull.disabled_<subtype>_pull    epoch | null
//	historical_<type>_pull.<index>                  epoch
//	forbidden_endpoints.<subtype>                   path | ""
//	is_v2_token_expired                             bool
//	<feature>_iterator                              cursor name
package checkpoint

import (
	"fmt"
	"time"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
)

// TokenExpiredKey flags a revoked or expired API token tenant-wide.
const TokenExpiredKey = "is_v2_token_expired"

// ClientStatusFeature names the feature whose cursor is provisioned explicitly.
const ClientStatusFeature = "client_status"

// FirstPullKey is the storage key of the first-pull-pending flag.
func FirstPullKey(dataType, subtype string) string {
	return fmt.Sprintf("first_%s_pull.first_%s_pull", dataType, subtype)
}

// DisabledPullKey is the storage key of the HWM recorded when pulling paused.
func DisabledPullKey(dataType, subtype string) string {
	return fmt.Sprintf("disabled_%s_pull.disabled_%s_pull", dataType, subtype)
}

// HistoricalKey is the storage key of historical progress for one cursor index.
func HistoricalKey(dataType, index string) string {
	return fmt.Sprintf("historical_%s_pull.%s", dataType, index)
}

// ForbiddenEndpointKey is the storage key recording a forbidden endpoint.
func ForbiddenEndpointKey(subtype string) string {
	return "forbidden_endpoints." + subtype
}

// IteratorKey is the storage key holding a provisioned cursor name.
func IteratorKey(feature string) string {
	return feature + "_iterator"
}

// Checkpoint is the resume state of one (type, subtype).
type Checkpoint struct {
	FirstPullPending bool
	DisabledPullHWM  *int64
}

// Load reads the checkpoint of a subtype from a storage snapshot.
// A missing first-pull flag means the first pull is still pending.
func Load(s tenant.Storage, dataType, subtype string) Checkpoint {
	cp := Checkpoint{
		FirstPullPending: s.Bool(FirstPullKey(dataType, subtype), true),
	}
	if hwm, ok := s.Int64(DisabledPullKey(dataType, subtype)); ok {
		cp.DisabledPullHWM = &hwm
	}
	return cp
}

// ResumePoint returns the epoch a first pull should start from: the
// disabled-pull HWM when present, else the configured initial checkpoint
// (or now) truncated to the top of the hour in its own location.
func ResumePoint(cp Checkpoint, initial *time.Time, now time.Time) int64 {
	if cp.DisabledPullHWM != nil {
		return *cp.DisabledPullHWM
	}
	start := now
	if initial != nil && !initial.IsZero() {
		start = *initial
	}
	return time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), 0, 0, 0, start.Location()).Unix()
}

// PulledSet marks the first pull as done and clears the disabled HWM.
func PulledSet(dataType, subtype string) map[string]any {
	return map[string]any{
		FirstPullKey(dataType, subtype):    false,
		DisabledPullKey(dataType, subtype): nil,
	}
}

// PausedSet marks the first pull as pending again and records hwm as the
// resume point when one is known.
func PausedSet(dataType, subtype string, hwm *int64) map[string]any {
	set := map[string]any{
		FirstPullKey(dataType, subtype): true,
	}
	if hwm != nil {
		set[DisabledPullKey(dataType, subtype)] = *hwm
	}
	return set
}

// HealthySet clears the tenant-wide token-expired flag after a successful pull.
func HealthySet() map[string]any {
	return map[string]any{TokenExpiredKey: false}
}

// HealthyUnset clears the forbidden endpoint recorded for a subtype.
func HealthyUnset(subtype string) []string {
	return []string{ForbiddenEndpointKey(subtype)}
}

// ForbiddenSet records a forbidden endpoint against a subtype.
func ForbiddenSet(subtype, path string) map[string]any {
	return map[string]any{
		ForbiddenEndpointKey(subtype): path,
		TokenExpiredKey:               false,
	}
}

// TokenExpiredSet flags the tenant token as expired.
func TokenExpiredSet() map[string]any {
	return map[string]any{TokenExpiredKey: true}
}

// HistoricalProgress returns the last delivered historical HWM of an index.
func HistoricalProgress(s tenant.Storage, dataType, index string) (int64, bool) {
	return s.Int64(HistoricalKey(dataType, index))
}

// HistoricalSet records historical progress for an index.
func HistoricalSet(dataType, index string, hwm int64) map[string]any {
	return map[string]any{HistoricalKey(dataType, index): hwm}
}
