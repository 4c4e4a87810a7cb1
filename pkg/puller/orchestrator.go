// Package puller runs the multi-subtype pull engine: one worker per
// cursor index, a bounded queue shared by all workers, and a drain loop
// that hands queued batches to the caller.
package puller

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/notify"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/transport"
)

// Defaults of the pull engine.
const (
	DefaultQueueSize         = 10
	DefaultWait              = 30 * time.Second
	DefaultMaintenanceWindow = time.Hour
	DefaultBackpressureWait  = 300 * time.Second
	DefaultPullRetries       = 3
)

// ErrStopped is returned by SetDesiredSubtypes after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// TenantSource reads tenant snapshots. Refresh bypasses any cache.
// *tenant.Snapshotter implements it.
type TenantSource interface {
	tenant.Store
	Refresh(ctx context.Context, name string) (*tenant.Tenant, error)
}

// Config configures an Orchestrator.
type Config struct {
	TenantName string
	DataType   string
	Mode       cursor.Mode

	// Prefix starts implicit cursor names.
	Prefix string

	// Start and End bound historical pulling.
	Start, End time.Time

	QueueSize         int
	DefaultWait       time.Duration
	MaintenanceWindow time.Duration
	BackpressureWait  time.Duration
	PullRetries       int
	ConflictRetries   int

	// CompressHistorical gzips historical batches.
	CompressHistorical bool

	// Overrides maps OverrideKey(type, subtype) to cursor index names.
	Overrides map[string][]string

	Client       cursor.Doer
	Tenants      TenantSource
	Cursors      *cursor.Manager
	Notifier     notify.Notifier
	Backpressure Policy

	// Sleep and Now are injectable for tests.
	Sleep transport.SleepFunc
	Now   func() time.Time

	Logger zerolog.Logger
}

func (c *Config) validate() error {
	if c.TenantName == "" {
		return fmt.Errorf("tenant name is required")
	}
	if _, err := Catalogue(c.DataType); err != nil {
		return err
	}
	switch c.Mode {
	case cursor.ModeMaintenance:
	case cursor.ModeHistorical:
		if c.Start.IsZero() || c.End.IsZero() || !c.Start.Before(c.End) {
			return fmt.Errorf("historical pulling requires start before end")
		}
	default:
		return fmt.Errorf("unknown pulling mode %q", c.Mode)
	}
	if c.Client == nil || c.Tenants == nil {
		return fmt.Errorf("client and tenant source are required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = cursor.DefaultPrefix
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DefaultWait <= 0 {
		c.DefaultWait = DefaultWait
	}
	if c.MaintenanceWindow <= 0 {
		c.MaintenanceWindow = DefaultMaintenanceWindow
	}
	if c.BackpressureWait <= 0 {
		c.BackpressureWait = DefaultBackpressureWait
	}
	if c.PullRetries <= 0 {
		c.PullRetries = DefaultPullRetries
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = transport.DefaultMaxAttempts
	}
	if c.Notifier == nil {
		c.Notifier = notify.NewLogNotifier(c.Logger)
	}
	if c.Backpressure == nil {
		c.Backpressure = Never{}
	}
	if c.Sleep == nil {
		c.Sleep = transport.ContextSleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// slot is the bookkeeping of one running worker.
type slot struct {
	subtype string
	index   string
}

// Result is the outcome of one worker.
type Result struct {
	Subtype string
	Index   string
	Err     error
}

// Reconciliation reports what SetDesiredSubtypes changed.
type Reconciliation struct {
	Spawned []string
	Retired []string
	Skipped []string
}

// Orchestrator owns the desired subtype set, the workers serving it,
// and the shared queue.
type Orchestrator struct {
	cfg    Config
	queue  chan Item
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	live    int
	idle    chan struct{}
	desired map[string]string // index -> subtype
	running map[string]*slot
	results []Result
	stopped bool
}

// New creates an orchestrator. Workers run until their own stop
// conditions or until Stop.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		cfg:    cfg,
		queue:  make(chan Item, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With().
			Str("tenant", cfg.TenantName).
			Str("type", cfg.DataType).
			Str("mode", string(cfg.Mode)).
			Logger(),
		idle:    idle,
		desired: make(map[string]string),
		running: make(map[string]*slot),
	}, nil
}

// indexes computes the cursor indexes implied by the subtypes.
func (o *Orchestrator) indexes(subtypes []string) (map[string][]string, map[string]string) {
	bySubtype := make(map[string][]string, len(subtypes))
	all := make(map[string]string)
	for _, s := range subtypes {
		idx := cursor.Indexes(o.cfg.Mode, o.cfg.Prefix, o.cfg.DataType, s, o.cfg.Overrides)
		bySubtype[s] = idx
		for _, i := range idx {
			all[i] = s
		}
	}
	return bySubtype, all
}

// SetDesiredSubtypes reconciles the worker set with subtypes. Indexes no
// longer desired are retired (their workers stop at the next iteration);
// newly desired indexes get a worker. Calling it again with the same set
// is a no-op.
func (o *Orchestrator) SetDesiredSubtypes(ctx context.Context, subtypes []string) (Reconciliation, error) {
	var rec Reconciliation
	subtypes = normalizeSubtypes(subtypes)

	for _, s := range subtypes {
		if _, err := DataPath(o.cfg.DataType, s); err != nil {
			return rec, err
		}
	}

	bySubtype, all := o.indexes(subtypes)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return rec, ErrStopped
	}
	for idx := range o.desired {
		if _, ok := all[idx]; !ok {
			rec.Retired = append(rec.Retired, idx)
		}
	}
	o.desired = all
	o.mu.Unlock()

	sort.Strings(rec.Retired)
	for _, idx := range rec.Retired {
		o.logger.Info().Str("index", idx).Msg("Retiring cursor index no longer desired")
	}

	subtypesSorted := slices.Sorted(maps.Keys(bySubtype))
	for _, s := range subtypesSorted {
		indexes := bySubtype[s]
		if NeedsProvisionedCursor(o.cfg.DataType, s) {
			indexes = indexes[:1]
		}

		pending := o.notRunning(indexes)
		if len(pending) == 0 {
			continue
		}

		var provisioned *cursor.Cursor
		if NeedsProvisionedCursor(o.cfg.DataType, s) {
			if o.cfg.Mode == cursor.ModeHistorical {
				o.logger.Debug().
					Str("subtype", s).
					Msg("Skipping subtype for historical pull as client status does not support historical pulling")
				rec.Skipped = append(rec.Skipped, pending...)
				continue
			}
			c, err := o.provision(ctx)
			if err != nil {
				if errors.Is(err, cursor.ErrCursorAlreadyExists) {
					return rec, err
				}
				o.logger.Error().Err(err).Str("subtype", s).Msg("Client status cursor is not available")
				rec.Skipped = append(rec.Skipped, pending...)
				continue
			}
			if c.State != cursor.StateReady {
				rec.Skipped = append(rec.Skipped, pending...)
				continue
			}
			provisioned = c
		}

		for _, idx := range pending {
			if o.spawn(s, idx, provisioned) {
				rec.Spawned = append(rec.Spawned, idx)
			}
		}
	}

	return rec, nil
}

func (o *Orchestrator) provision(ctx context.Context) (*cursor.Cursor, error) {
	if o.cfg.Cursors == nil {
		return nil, fmt.Errorf("no cursor manager configured")
	}
	t, err := o.cfg.Tenants.Refresh(ctx, o.cfg.TenantName)
	if err != nil {
		return nil, err
	}
	return o.cfg.Cursors.EnsureClientStatus(ctx, t)
}

func (o *Orchestrator) notRunning(indexes []string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, idx := range indexes {
		if _, ok := o.running[idx]; !ok {
			out = append(out, idx)
		}
	}
	return out
}

// spawn starts a worker unless one already runs for idx.
func (o *Orchestrator) spawn(subtype, idx string, provisioned *cursor.Cursor) bool {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return false
	}
	if _, ok := o.running[idx]; ok {
		o.mu.Unlock()
		return false
	}
	o.running[idx] = &slot{subtype: subtype, index: idx}
	if o.live == 0 {
		o.idle = make(chan struct{})
	}
	o.live++
	LiveWorkers.WithLabelValues(o.cfg.TenantName, o.cfg.DataType).Set(float64(o.live))
	o.mu.Unlock()

	w := newWorker(o, subtype, idx, provisioned)
	go w.run(o.ctx)
	return true
}

// isDesired reports whether idx is still part of the desired set.
func (o *Orchestrator) isDesired(idx string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.desired[idx]
	return ok
}

// push enqueues an item, blocking while the queue is full.
func (o *Orchestrator) push(it Item) {
	o.queue <- it
	kind := "batch"
	if it.Terminal {
		kind = "terminal"
	}
	QueuedItems.WithLabelValues(o.cfg.DataType, kind).Inc()
	QueueDepth.WithLabelValues(o.cfg.TenantName, o.cfg.DataType).Set(float64(len(o.queue)))
}

// finish is called by a worker after its terminal item is queued.
func (o *Orchestrator) finish(subtype, idx string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.running, idx)
	o.results = append(o.results, Result{Subtype: subtype, Index: idx, Err: err})
	o.live--
	LiveWorkers.WithLabelValues(o.cfg.TenantName, o.cfg.DataType).Set(float64(o.live))
	if o.live == 0 {
		close(o.idle)
	}
}

// Live returns the number of running workers.
func (o *Orchestrator) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// Running returns the sorted indexes with a live worker.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Sorted(maps.Keys(o.running))
}

// QueueDepth returns the number of queued items. It can back a Probe.
func (o *Orchestrator) QueueDepth(context.Context) (int64, error) {
	return int64(len(o.queue)), nil
}

// Results returns the outcome of every finished worker.
func (o *Orchestrator) Results() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.results...)
}

// Err joins the errors of every failed worker.
func (o *Orchestrator) Err() error {
	var errs []error
	for _, r := range o.Results() {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Index, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops spawning and signals running workers to exit at their next
// iteration boundary. Queued items stay available to Drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancel()
}

// Drain yields queued items while any worker is live, then flushes what
// is left once all workers are done. Cancelling ctx stops the workers and
// keeps draining until they have exited. Each call starts a new pass.
func (o *Orchestrator) Drain(ctx context.Context) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		started := o.cfg.Now()
		done := ctx.Done()

	live:
		for {
			o.mu.Lock()
			idle := o.idle
			o.mu.Unlock()

			select {
			case it := <-o.queue:
				QueueDepth.WithLabelValues(o.cfg.TenantName, o.cfg.DataType).Set(float64(len(o.queue)))
				if !yield(it) {
					return
				}
			case <-done:
				o.logger.Info().Msg("Drain cancelled, stopping workers")
				o.Stop()
				done = nil
			case <-idle:
				break live
			}
		}

		for {
			select {
			case it := <-o.queue:
				QueueDepth.WithLabelValues(o.cfg.TenantName, o.cfg.DataType).Set(float64(len(o.queue)))
				if !yield(it) {
					return
				}
			default:
				o.logSummary(started)
				return
			}
		}
	}
}

func (o *Orchestrator) logSummary(started time.Time) {
	from, to := started, o.cfg.Now()
	if o.cfg.Mode == cursor.ModeHistorical {
		from, to = o.cfg.Start, o.cfg.End
	}
	o.logger.Info().
		Time("from", from).
		Time("to", to).
		Msgf("Completed pull task for %s to %s time interval, pulled %s from %s tenant",
			from.Format(time.RFC3339), to.Format(time.RFC3339), o.cfg.DataType, o.cfg.TenantName)
}
