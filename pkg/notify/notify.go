// Package notify raises and acknowledges operator-visible alert banners
// for conditions a pull loop cannot recover from on its own.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Banner ids. One banner per condition per tenant.
const (
	BannerTokenExpired = "token_expired"
	BannerForbidden    = "forbidden_endpoints"
)

// Severity of a banner.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is one operator banner.
type Alert struct {
	ID       string    `json:"id"`
	Tenant   string    `json:"tenant"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// Notifier raises and acknowledges banners.
type Notifier interface {
	Raise(ctx context.Context, a Alert) error
	Ack(ctx context.Context, tenantName, id string) error
}

// TokenExpired builds the banner raised on a 401.
func TokenExpired(tenantName string) Alert {
	return Alert{
		ID:       BannerTokenExpired,
		Tenant:   tenantName,
		Severity: SeverityError,
		Message: fmt.Sprintf("The V2 API token of tenant %q is expired or revoked. "+
			"Update the token in the tenant configuration to resume pulling.", tenantName),
	}
}

// Forbidden builds the banner raised on a 403 for an endpoint.
func Forbidden(tenantName, subtype, endpoint string) Alert {
	return Alert{
		ID:       BannerForbidden,
		Tenant:   tenantName,
		Severity: SeverityError,
		Message: fmt.Sprintf("The V2 API token of tenant %q has no access to %s (%s). "+
			"Grant the endpoint to the token to resume pulling.", tenantName, endpoint, subtype),
	}
}

// LogNotifier writes banners to the log only.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Raise implements Notifier.
func (n *LogNotifier) Raise(_ context.Context, a Alert) error {
	n.logger.Error().
		Str("tenant", a.Tenant).
		Str("banner", a.ID).
		Msg(a.Message)
	return nil
}

// Ack implements Notifier.
func (n *LogNotifier) Ack(_ context.Context, tenantName, id string) error {
	n.logger.Info().
		Str("tenant", tenantName).
		Str("banner", id).
		Msg("Banner acknowledged")
	return nil
}

// Recorder keeps raised banners in memory.
type Recorder struct {
	mu     sync.Mutex
	raised []Alert
	acked  []string
	active map[string]Alert
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{active: make(map[string]Alert)}
}

// Raise implements Notifier.
func (r *Recorder) Raise(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, a)
	r.active[a.Tenant+"/"+a.ID] = a
	return nil
}

// Ack implements Notifier.
func (r *Recorder) Ack(_ context.Context, tenantName, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, id)
	delete(r.active, tenantName+"/"+id)
	return nil
}

// Raised returns every banner raised so far.
func (r *Recorder) Raised() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.raised...)
}

// Acked returns the ids of every acknowledged banner.
func (r *Recorder) Acked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acked...)
}

// Active reports whether a banner is currently raised.
func (r *Recorder) Active(tenantName, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[tenantName+"/"+id]
	return ok
}
