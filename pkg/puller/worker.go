package puller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/checkpoint"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/framer"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/logging"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/notify"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/transport"
)

const pullOp = "pulling the data"

// worker pulls one cursor index until a stop condition holds.
type worker struct {
	o       *Orchestrator
	cfg     *Config
	subtype string
	index   string
	cursor  *cursor.Cursor

	// csv is set for provisioned cursors, which are read from their
	// CSV endpoint with operation=next only.
	csv bool

	// epoch is the explicit start of the next pull, nil for "next".
	epoch *int64

	// markPulled is set while the first-pull flag still has to be cleared.
	markPulled bool

	backoff bool
	pulls   transport.RetryPolicy
	busy    transport.RetryPolicy
	logger  zerolog.Logger
}

func newWorker(o *Orchestrator, subtype, index string, provisioned *cursor.Cursor) *worker {
	cfg := &o.cfg
	w := &worker{
		o:       o,
		cfg:     cfg,
		subtype: subtype,
		index:   index,
		cursor:  cursor.New(index, cfg.DataType, subtype),
		logger:  logging.ForSubtype(cfg.Logger, cfg.TenantName, cfg.DataType, subtype, index),
		pulls: transport.RetryPolicy{
			MaxAttempts:    cfg.PullRetries,
			InitialBackoff: cfg.DefaultWait,
			Multiplier:     1,
			Retryable:      pullRetryable,
		},
		busy: transport.RetryPolicy{
			MaxAttempts:    cfg.ConflictRetries,
			InitialBackoff: cfg.DefaultWait,
			Multiplier:     1,
			Retryable:      busyRetryable,
		},
	}
	if provisioned != nil {
		w.cursor = provisioned
		w.csv = true
	}
	return w
}

// pullRetryable retries a whole pull after network failures and empty
// bodies. Server errors are retried by the request policy only.
func pullRetryable(err error) bool {
	if errors.Is(err, framer.ErrEmptyResponse) {
		return true
	}
	return transport.ClassOf(err) == transport.ErrorClassNetwork
}

// busyRetryable retries a single request while the cursor is busy or the
// tenant is rate limited, and on server errors.
func busyRetryable(err error) bool {
	if errors.Is(err, transport.ErrRetryAfterTooLong) {
		return false
	}
	switch transport.ClassOf(err) {
	case transport.ErrorClassConflict, transport.ErrorClassRateLimit, transport.ErrorClassServer:
		return true
	}
	return false
}

func (w *worker) run(ctx context.Context) {
	w.logger.Info().Msg("Worker started")

	var err error
	if w.cfg.Mode == cursor.ModeHistorical {
		err = w.historical(ctx)
	} else {
		err = w.maintenance(ctx)
		w.pause(ctx)
	}

	w.o.push(Item{
		DataType:     w.cfg.DataType,
		Subtype:      w.subtype,
		Index:        w.index,
		ApplyBackoff: w.backoff,
		Terminal:     true,
	})

	result := "success"
	if err != nil {
		result = "failure"
		w.logger.Error().Err(err).Msg("Worker stopped")
	} else {
		w.logger.Info().Msg("Worker finished")
	}
	WorkerExits.WithLabelValues(w.cfg.DataType, result).Inc()

	w.o.finish(w.subtype, w.index, err)
}

// pause records the resume point of a maintenance worker.
func (w *worker) pause(ctx context.Context) {
	set := checkpoint.PausedSet(w.cfg.DataType, w.subtype, w.cursor.HWM())
	if err := w.cfg.Tenants.UpdateStorage(context.WithoutCancel(ctx), w.cfg.TenantName, set, nil); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist pull checkpoint")
	}
}

// refresh reads the latest tenant snapshot.
func (w *worker) refresh(ctx context.Context) (*tenant.Tenant, error) {
	t, err := w.cfg.Tenants.Refresh(ctx, w.cfg.TenantName)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			w.logger.Error().Msg("Tenant no longer exists, stopping")
		}
		return nil, err
	}
	return t, nil
}

func (w *worker) maintenance(ctx context.Context) error {
	started := w.cfg.Now()
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.cfg.Backpressure.ShouldStop() {
			w.logger.Warn().Msg("Downstream is behind, stopping maintenance pull")
			return ErrBackpressure
		}

		t, err := w.refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !t.Enabled() {
			w.logger.Info().Msg("Pulling is disabled for tenant")
			return nil
		}
		if !w.o.isDesired(w.index) {
			w.logger.Info().Msg("Subtype is no longer selected")
			return nil
		}

		if first {
			first = false
			cp := checkpoint.Load(t.Storage, w.cfg.DataType, w.subtype)
			if cp.FirstPullPending {
				w.markPulled = true
				if !w.csv && !cursor.IsOverride(w.index, w.cfg.Overrides) {
					epoch := checkpoint.ResumePoint(cp, t.Checkpoint, w.cfg.Now())
					w.epoch = &epoch
				}
			}
		}

		wait, err := w.maintenanceStep(ctx, t)
		if interrupted(ctx, err) {
			w.logger.Info().Msg("Stopped while waiting to retry")
			return nil
		}
		if err != nil {
			return err
		}

		if err := w.cfg.Sleep(ctx, wait); err != nil {
			return nil
		}
		if w.cfg.Now().Sub(started) >= w.cfg.MaintenanceWindow {
			w.logger.Info().Msg("Maintenance window elapsed")
			return nil
		}
	}
}

func (w *worker) query() (string, url.Values) {
	q := url.Values{}
	if w.csv {
		q.Set("operation", "next")
		return cursor.CSVPath(w.cursor.Name), q
	}
	path, _ := DataPath(w.cfg.DataType, w.subtype)
	q.Set("index", w.index)
	if w.epoch != nil {
		q.Set("operation", strconv.FormatInt(*w.epoch, 10))
	} else {
		q.Set("operation", "next")
	}
	return path, q
}

// maintenanceStep performs one pull and enqueues its payloads. It returns
// the wait before the next pull.
func (w *worker) maintenanceStep(ctx context.Context, t *tenant.Tenant) (time.Duration, error) {
	path, q := w.query()

	resp, err := w.pull(ctx, t, path, q)
	if err != nil {
		return 0, w.failed(ctx, t, path, err)
	}

	batch, err := framer.Frame(resp.Body, resp.Header)
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("raw_response", logging.RawResponse(resp.Body)).
			Msg("Failed to frame pulled data")
		return 0, fmt.Errorf("frame %s response: %w", w.subtype, err)
	}

	if err := w.succeeded(ctx, t); err != nil {
		return 0, err
	}
	w.epoch = nil

	if batch.HWM != nil {
		w.cursor.Advance(*batch.HWM)
	}

	switch batch.Format {
	case framer.FormatCSV:
		for i, payload := range batch.Payloads {
			w.o.push(Item{
				Payload:     payload,
				DataType:    w.cfg.DataType,
				Subtype:     w.subtype,
				Index:       w.index,
				NonEmpty:    true,
				RecordCount: batch.Counts[i],
			})
		}
	default:
		w.o.push(Item{
			Payload:     batch.Payloads[0],
			DataType:    w.cfg.DataType,
			Subtype:     w.subtype,
			Index:       w.index,
			NonEmpty:    batch.RecordCount != 0,
			RecordCount: batch.RecordCount,
		})
	}
	PulledRecords.WithLabelValues(w.cfg.DataType, w.subtype).Add(float64(batch.RecordCount))

	wait := time.Duration(batch.Wait(int(w.cfg.DefaultWait/time.Second))) * time.Second
	event := w.logger.Info().Int("records", batch.RecordCount).Dur("wait_time", wait)
	if hwm, ok := w.cursor.HighWaterMark(); ok {
		event = event.Int64("hwm", hwm)
	}
	event.Msg("Pulled data")

	return wait, nil
}

func (w *worker) historical(ctx context.Context) error {
	start, end := w.cfg.Start.Unix(), w.cfg.End.Unix()

	t, err := w.refresh(ctx)
	if err != nil {
		return err
	}
	epoch := start
	if progress, ok := checkpoint.HistoricalProgress(t.Storage, w.cfg.DataType, w.index); ok {
		if progress >= end {
			w.logger.Info().Int64("hwm", progress).Msg("Historical pull already complete")
			return nil
		}
		epoch = progress
		w.cursor.Advance(progress)
	}
	w.epoch = &epoch

	for {
		if ctx.Err() != nil {
			return nil
		}
		t, err := w.refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !w.o.isDesired(w.index) {
			w.logger.Info().Msg("Subtype is no longer selected")
			return nil
		}
		if w.cfg.Backpressure.ShouldStop() {
			w.logger.Warn().
				Dur("wait_time", w.cfg.BackpressureWait).
				Msg("Downstream is behind, pausing historical pull")
			if err := w.cfg.Sleep(ctx, w.cfg.BackpressureWait); err != nil {
				return nil
			}
			continue
		}

		wait, done, err := w.historicalStep(ctx, t, end)
		if interrupted(ctx, err) {
			w.logger.Info().Msg("Stopped while waiting to retry")
			return nil
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := w.cfg.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// historicalStep performs one historical pull. done reports that the
// window is exhausted.
func (w *worker) historicalStep(ctx context.Context, t *tenant.Tenant, end int64) (time.Duration, bool, error) {
	path, q := w.query()

	resp, err := w.pull(ctx, t, path, q)
	if err != nil {
		return 0, false, w.failed(ctx, t, path, err)
	}

	h, err := framer.ParseHistorical(resp.Body)
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("raw_response", logging.RawResponse(resp.Body)).
			Msg("Failed to parse historical data")
		return 0, false, fmt.Errorf("parse %s response: %w", w.subtype, err)
	}

	if err := w.succeeded(ctx, t); err != nil {
		return 0, false, err
	}
	w.epoch = nil

	kept, truncated := framer.FilterUntil(h.Records, end)
	if len(kept) > 0 {
		it := Item{
			DataType:    w.cfg.DataType,
			Subtype:     w.subtype,
			Index:       w.index,
			NonEmpty:    true,
			RecordCount: len(kept),
		}
		if w.cfg.CompressHistorical {
			payload, err := framer.EncodeRecords(kept, true)
			if err != nil {
				return 0, false, err
			}
			it.Payload = payload
		} else {
			for _, r := range kept {
				it.Records = append(it.Records, r.Raw)
			}
		}
		w.o.push(it)
		PulledRecords.WithLabelValues(w.cfg.DataType, w.subtype).Add(float64(len(kept)))
	}

	changed := false
	if h.TimestampHWM != nil {
		changed = w.cursor.Advance(*h.TimestampHWM)
	}
	if changed {
		progress := min(max(*h.TimestampHWM, w.cfg.Start.Unix()), end)
		set := checkpoint.HistoricalSet(w.cfg.DataType, w.index, progress)
		if err := w.cfg.Tenants.UpdateStorage(context.WithoutCancel(ctx), w.cfg.TenantName, set, nil); err != nil {
			w.logger.Error().Err(err).Msg("Failed to persist historical progress")
		}
	}

	wait := w.cfg.DefaultWait
	if len(h.Records) > 0 && h.WaitTime != nil {
		wait = time.Duration(*h.WaitTime) * time.Second
	}

	event := w.logger.Info().Int("records", len(kept)).Dur("wait_time", wait)
	if hwm, ok := w.cursor.HighWaterMark(); ok {
		event = event.Int64("hwm", hwm)
	}
	event.Msg("Pulled historical data")

	switch {
	case truncated || (h.TimestampHWM != nil && *h.TimestampHWM > end):
		w.logger.Info().Msg("Historical pull reached the end of its window")
		return 0, true, nil
	case !changed && len(h.Records) == 0:
		w.logger.Info().Msg("Historical pull has caught up")
		return 0, true, nil
	}
	return wait, false, nil
}

// pull performs one pull request with whole-pull retries. The client
// finishes an issued request even after ctx is done; only the waits
// between attempts observe cancellation.
func (w *worker) pull(ctx context.Context, t *tenant.Tenant, path string, q url.Values) (*transport.Response, error) {
	var resp *transport.Response
	err := transport.RetryWithBackoff(ctx, w.pulls, w.cfg.Sleep, w.logger, func(attempt int) error {
		r, err := w.cfg.Client.Do(ctx, transport.Request{
			Tenant: t,
			Method: http.MethodGet,
			Path:   path,
			Query:  q,
			Op:     pullOp,
			Retry:  &w.busy,
		})
		if err != nil {
			PullFailures.WithLabelValues(w.cfg.DataType, classLabel(err)).Inc()
			return err
		}
		if !framer.IsCSV(r.Header) && len(bytes.TrimSpace(r.Body)) == 0 {
			PullFailures.WithLabelValues(w.cfg.DataType, "empty").Inc()
			w.logger.Warn().Int("attempt", attempt).Msg("Empty response from pull")
			return framer.ErrEmptyResponse
		}
		resp = r
		return nil
	})
	return resp, err
}

// interrupted reports a pull abandoned because ctx ended during a retry wait.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, transport.ErrContextCancelled)
}

func classLabel(err error) string {
	if c := transport.ClassOf(err); c != "" {
		return string(c)
	}
	return "other"
}

// failed records auth and authorization failures in tenant storage and
// raises the matching banner. The returned error ends the worker.
func (w *worker) failed(ctx context.Context, t *tenant.Tenant, path string, err error) error {
	ctx = context.WithoutCancel(ctx)

	switch transport.ClassOf(err) {
	case transport.ErrorClassAuth:
		w.backoff = true
		if uerr := w.cfg.Tenants.UpdateStorage(ctx, t.Name, checkpoint.TokenExpiredSet(), nil); uerr != nil {
			w.logger.Error().Err(uerr).Msg("Failed to flag expired token")
		}
		if nerr := w.cfg.Notifier.Raise(ctx, notify.TokenExpired(t.Name)); nerr != nil {
			w.logger.Error().Err(nerr).Msg("Failed to raise banner")
		}
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)

	case transport.ErrorClassForbidden:
		w.backoff = true
		if uerr := w.cfg.Tenants.UpdateStorage(ctx, t.Name, checkpoint.ForbiddenSet(w.subtype, path), nil); uerr != nil {
			w.logger.Error().Err(uerr).Msg("Failed to record forbidden endpoint")
		}
		if nerr := w.cfg.Notifier.Raise(ctx, notify.Forbidden(t.Name, w.subtype, path)); nerr != nil {
			w.logger.Error().Err(nerr).Msg("Failed to raise banner")
		}
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}

	return fmt.Errorf("pull %s: %w", w.subtype, err)
}

// succeeded clears failure flags after a good pull, acknowledges banners
// that no longer apply, and clears the first-pull flag once.
func (w *worker) succeeded(ctx context.Context, t *tenant.Tenant) error {
	ctx = context.WithoutCancel(ctx)

	expired := t.Storage.Bool(checkpoint.TokenExpiredKey, false)
	forbiddenKey := checkpoint.ForbiddenEndpointKey(w.subtype)
	forbidden := t.Storage.Has(forbiddenKey)

	set := map[string]any{}
	var unset []string
	if expired {
		set = checkpoint.HealthySet()
	}
	if forbidden {
		unset = checkpoint.HealthyUnset(w.subtype)
	}
	if w.markPulled {
		for k, v := range checkpoint.PulledSet(w.cfg.DataType, w.subtype) {
			set[k] = v
		}
	}
	if len(set) > 0 || len(unset) > 0 {
		if err := w.cfg.Tenants.UpdateStorage(ctx, t.Name, set, unset); err != nil {
			return fmt.Errorf("update tenant storage: %w", err)
		}
	}
	w.markPulled = false

	if expired {
		if err := w.cfg.Notifier.Ack(ctx, t.Name, notify.BannerTokenExpired); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to acknowledge banner")
		}
	}
	if forbidden {
		remaining := t.Storage.WithPrefix("forbidden_endpoints")
		delete(remaining, w.subtype)
		if len(remaining) == 0 {
			if err := w.cfg.Notifier.Ack(ctx, t.Name, notify.BannerForbidden); err != nil {
				w.logger.Warn().Err(err).Msg("Failed to acknowledge banner")
			}
		}
	}
	return nil
}
