package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/luftsport/nif-integration/pkg/changelog"
	"github.com/luftsport/nif-integration/pkg/eve"
	applog "github.com/luftsport/nif-integration/pkg/log"
	"github.com/luftsport/nif-integration/pkg/metrics"
	"github.com/luftsport/nif-integration/pkg/nif"
	"github.com/luftsport/nif-integration/pkg/types"
)

// Worker states. A worker carries a (state, mode) pair: the mode says
// which phase it is in, the state what it is doing right now.
const (
	StateInitialized = "initialized"
	StateRunning     = "running"
	StateWaiting     = "waiting"
	StateSleeping    = "sleeping"
	StateStarted     = "started"
	StateFinished    = "finished"
	StateTerminating = "terminating"
	StateTerminated  = "terminated"

	ModeInit     = "init"
	ModeCheck    = "check"
	ModePopulate = "populate"
	ModeSync     = "sync"
)

var (
	// ErrTooManyErrors is the worker's self termination signal: the
	// consecutive error streak reached the configured maximum.
	ErrTooManyErrors = errors.New("too many consecutive sync errors")

	// errStopped is returned internally when the shutdown flag is
	// observed at a checkpoint
	errStopped = errors.New("shutdown requested")

	// errWindowFailed marks a window fetch that failed without
	// exhausting the error budget; the window is not advanced
	errWindowFailed = errors.New("window fetch failed")
)

// populateGrace is slept before releasing a pool slot between
// populate windows
const populateGrace = 100 * time.Millisecond

// Config assembles one sync worker
type Config struct {
	TenantID int
	SyncType types.SyncType
	Realm    string
	Created  time.Time

	Source *nif.Client
	Store  *changelog.Store

	// Pool is the fleet wide connection pool semaphore. Nil runs the
	// worker unthrottled (tests, single worker mode).
	Pool *semaphore.Weighted

	SyncInterval     time.Duration
	PopulateInterval time.Duration
	InitialTimedelta time.Duration
	Overlap          time.Duration
	Delay            time.Duration
	MaxErrors        int

	// TailSize bounds the retained error log served over the control
	// API
	TailSize int

	// OnSelfTerminate is called when the worker terminates itself on
	// an exhausted error streak
	OnSelfTerminate func(w *Worker, err error)

	Logger zerolog.Logger
}

// Worker keeps the change log current for one (tenant, sync type).
// It populates historical windows first when behind, then polls new
// windows on an interval scheduler.
type Worker struct {
	cfg  Config
	log  zerolog.Logger
	tail *applog.Tail

	mu         sync.Mutex
	state      string
	mode       string
	reason     string
	started    time.Time
	messages   int
	syncErrors int
	misfires   int
	windowFrom *time.Time
	windowTo   *time.Time
	nextRun    *time.Time
	alive      bool

	// windowEnd is the exclusive end of the last successfully fetched
	// window; the next sync window starts here
	windowEnd time.Time

	done chan struct{}
}

// New creates a worker in state initialized
func New(cfg Config) (*Worker, error) {
	if !cfg.SyncType.Valid() {
		return nil, fmt.Errorf("%q is not a valid sync type", cfg.SyncType)
	}
	if cfg.Source == nil || cfg.Store == nil {
		return nil, fmt.Errorf("worker needs both a source client and a change log store")
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 10
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 10 * time.Minute
	}
	if cfg.PopulateInterval <= 0 {
		cfg.PopulateInterval = 24 * time.Hour
	}

	tail := applog.NewTail(cfg.TailSize)
	logger := cfg.Logger.With().
		Int("tenant_id", cfg.TenantID).
		Str("sync_type", string(cfg.SyncType)).
		Logger().Hook(tail)

	return &Worker{
		cfg:   cfg,
		log:   logger,
		tail:  tail,
		state: StateInitialized,
		mode:  ModeInit,
		done:  make(chan struct{}),
	}, nil
}

// Name returns the worker's registry name
func (w *Worker) Name() string {
	return fmt.Sprintf("%s-%d", w.cfg.SyncType, w.cfg.TenantID)
}

// TenantID returns the tenant this worker serves
func (w *Worker) TenantID() int { return w.cfg.TenantID }

// SyncType returns the change feed this worker polls
func (w *Worker) SyncType() types.SyncType { return w.cfg.SyncType }

// Tail returns the retained error records
func (w *Worker) Tail() []applog.Record { return w.tail.Last() }

// Start launches the worker. The passed context is the fleet's
// shutdown broadcast: cancelling it stops the worker at its next
// checkpoint.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.alive {
		w.mu.Unlock()
		return
	}
	w.alive = true
	w.started = time.Now()
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Done is closed when the worker has fully terminated
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Alive reports whether the worker goroutine is running
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// Snapshot returns the worker's state record for the control API
func (w *Worker) Snapshot() types.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	uptime := 0
	if !w.started.IsZero() {
		uptime = int(time.Since(w.started).Seconds())
	}

	return types.WorkerSnapshot{
		Name:          w.Name(),
		TenantID:      w.cfg.TenantID,
		Alive:         w.alive,
		State:         w.state,
		Mode:          w.mode,
		Reason:        w.reason,
		Started:       w.started,
		UptimeSeconds: uptime,
		Messages:      w.messages,
		SyncType:      w.cfg.SyncType,
		WindowFrom:    w.windowFrom,
		WindowTo:      w.windowTo,
		Misfires:      w.misfires,
		SyncErrors:    w.syncErrors,
		NextRunTime:   w.nextRun,
	}
}

func (w *Worker) setState(state, mode, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state != "" {
		w.state = state
	}
	if mode != "" {
		w.mode = mode
	}
	w.reason = reason
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.state = StateTerminated
		w.alive = false
		close(w.done)
		w.mu.Unlock()
	}()

	w.log.Debug().Msg("worker starting")

	err := w.check(ctx)
	switch {
	case err == nil || errors.Is(err, errStopped) || errors.Is(err, context.Canceled):
		w.setState(StateTerminating, "", "shutdown")
		w.log.Debug().Msg("worker terminating")
	case errors.Is(err, ErrTooManyErrors):
		w.setState(StateTerminating, "", "too many errors")
		w.log.Error().Msg("error streak exhausted, worker terminating itself")
		if w.cfg.OnSelfTerminate != nil {
			w.cfg.OnSelfTerminate(w, err)
		}
	default:
		w.setState(StateTerminating, "", err.Error())
		w.log.Error().Err(err).Msg("worker terminating on error")
	}
}

// check decides between populate and sync on startup by looking at the
// most recent recorded work item for this tenant.
func (w *Worker) check(ctx context.Context) error {
	w.setState(StateRunning, ModeCheck, "startup")

	last, err := w.cfg.Store.Last(ctx, w.cfg.TenantID, w.cfg.Realm)
	if err != nil {
		return fmt.Errorf("failed to read last change message: %w", err)
	}

	if last == nil {
		w.log.Debug().Msg("no change records, populating")
		if err := w.populate(ctx, w.cfg.Created); err != nil {
			return err
		}
		return w.scheduleLoop(ctx, false)
	}

	resume := last.SequenceOrdinal.
		Add(w.cfg.InitialTimedelta).
		Add(-w.cfg.Overlap)

	if resume.Before(time.Now().UTC().Add(-w.cfg.PopulateInterval)) {
		w.log.Debug().
			Time("last", last.SequenceOrdinal).
			Msg("last change message beyond populate interval, populating")
		if err := w.populate(ctx, resume); err != nil {
			return err
		}
		return w.scheduleLoop(ctx, false)
	}

	w.log.Debug().Time("last", last.SequenceOrdinal).Msg("recent history found, syncing")
	w.windowEnd = resume
	return w.scheduleLoop(ctx, true)
}

// populate walks forward in fixed windows from start toward now. The
// final window is clamped to now and fetched exactly once, after
// which the worker hands over to the sync scheduler.
func (w *Worker) populate(ctx context.Context, start time.Time) error {
	w.setState(StateRunning, ModePopulate, "")
	w.log.Debug().
		Dur("window", w.cfg.PopulateInterval).
		Time("start", start).
		Msg("populating")

	windowStart := start.Add(-w.cfg.PopulateInterval)
	windowEnd := start

	for {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}

		w.setState(StateWaiting, "", "connection pool")
		if err := w.acquire(ctx); err != nil {
			return err
		}
		w.setState(StateRunning, "", "")

		if err := w.checkpoint(ctx); err != nil {
			w.release()
			return err
		}

		now := time.Now().UTC()
		if windowEnd.After(now) {
			// Final, clamped window
			windowEnd = now
			err := w.fetchWindow(ctx, windowStart, windowEnd)
			w.release()
			if err == nil {
				break
			}
			if !errors.Is(err, errWindowFailed) {
				return err
			}
			continue
		}

		err := w.fetchWindow(ctx, windowStart, windowEnd)
		if err == nil {
			windowStart = windowEnd
			windowEnd = windowEnd.Add(w.cfg.PopulateInterval)
		} else if !errors.Is(err, errWindowFailed) {
			w.release()
			return err
		}

		time.Sleep(populateGrace)
		w.release()
	}

	// The first sync window re-covers the final populate window;
	// duplicates are absorbed by the ordinal dedup.
	w.windowEnd = windowStart
	w.setState(StateFinished, ModePopulate, "ended populate")
	return nil
}

// scheduleLoop fires sync on the configured interval. At most one job
// runs at a time; a tick that could not fire on schedule is dropped
// and counted as a misfire.
func (w *Worker) scheduleLoop(ctx context.Context, immediate bool) error {
	w.setState(StateStarted, ModeSync, "scheduler started")

	next := time.Now()
	if !immediate {
		next = next.Add(w.cfg.SyncInterval)
	}

	for {
		w.mu.Lock()
		n := next
		w.nextRun = &n
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return errStopped
		case <-time.After(time.Until(next)):
		}

		now := time.Now()
		late := now.Sub(next)

		w.mu.Lock()
		if late > w.cfg.SyncInterval {
			w.misfires++
			metrics.SyncMisfires.Inc()
		} else if w.misfires > 0 {
			w.misfires--
		}
		w.mu.Unlock()

		next = next.Add(w.cfg.SyncInterval)
		if next.Before(now) {
			// Skip missed ticks; the next window covers the gap
			// because its start derives from windowEnd
			next = now.Add(w.cfg.SyncInterval)
		}

		if err := w.sync(ctx); err != nil {
			return err
		}
	}
}

// sync runs one scheduled window
func (w *Worker) sync(ctx context.Context) error {
	w.setState(StateRunning, ModeSync, "")

	if err := w.checkpoint(ctx); err != nil {
		return err
	}

	end := time.Now().UTC()
	start := w.windowEnd.Add(w.cfg.InitialTimedelta)

	if !end.After(start) {
		w.log.Error().
			Time("from", start).
			Time("to", end).
			Msg("inconsistent sync window, skipping tick")
		w.setState(StateSleeping, ModeSync, "")
		return nil
	}

	w.setState(StateWaiting, "", "connection pool")
	if err := w.acquire(ctx); err != nil {
		return err
	}
	w.setState(StateRunning, "", "")

	err := w.fetchWindow(ctx, start, end)
	w.release()

	if err == nil {
		w.windowEnd = end
	} else if !errors.Is(err, errWindowFailed) {
		return err
	}

	w.setState(StateSleeping, ModeSync, "")
	return nil
}

// fetchWindow pulls one change window from the source and records the
// results. Transport errors retry in place and source faults fail the
// window, both with linear back-off, until the shared error budget is
// spent.
func (w *Worker) fetchWindow(ctx context.Context, start, end time.Time) error {
	w.mu.Lock()
	from, to := start, end
	w.windowFrom = &from
	w.windowTo = &to
	w.mu.Unlock()

	for {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}

		// Grace to avoid handing the source a future dated window
		if w.cfg.Delay > 0 {
			select {
			case <-ctx.Done():
				return errStopped
			case <-time.After(w.cfg.Delay):
			}
		}

		changes, err := w.cfg.Source.GetChanges(ctx, w.cfg.SyncType, start, end)
		if err == nil {
			w.log.Debug().
				Int("count", len(changes)).
				Time("from", start).
				Time("to", end).
				Msg("got changes")
			w.recordChanges(ctx, changes)

			w.mu.Lock()
			if w.syncErrors > 0 {
				w.syncErrors--
			}
			w.mu.Unlock()
			return nil
		}

		var fault *nif.Fault
		if errors.As(err, &fault) {
			w.log.Error().
				Int("code", fault.Code).
				Str("message", fault.Message).
				Msg("source fault fetching changes")
			// A fault streak spends the same error budget as transport
			// failures; a permanently faulting source must not retry
			// forever
			if w.bumpErrors() >= w.cfg.MaxErrors {
				return ErrTooManyErrors
			}
			if err := w.backoff(ctx); err != nil {
				return err
			}
			return errWindowFailed
		}

		w.log.Error().Err(err).Msg("transport error fetching changes")
		if w.bumpErrors() >= w.cfg.MaxErrors {
			return ErrTooManyErrors
		}
		if err := w.backoff(ctx); err != nil {
			return err
		}
	}
}

// backoff sleeps linearly with the consecutive error count
func (w *Worker) backoff(ctx context.Context) error {
	w.mu.Lock()
	d := time.Duration(3*w.syncErrors) * time.Second
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		return errStopped
	case <-time.After(d):
		return nil
	}
}

func (w *Worker) bumpErrors() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncErrors++
	metrics.SyncErrors.WithLabelValues(string(w.cfg.SyncType)).Inc()
	return w.syncErrors
}

// recordChanges appends each change to the change log. Duplicate
// ordinals are already seen windows overlapping and count as silent
// success; other failures are logged and skipped.
func (w *Worker) recordChanges(ctx context.Context, changes []types.WorkItem) {
	for i := range changes {
		item := changes[i]
		item.TenantID = w.cfg.TenantID
		item.Realm = w.cfg.Realm
		item.Status = types.StatusReady

		err := w.cfg.Store.Append(ctx, &item)
		switch {
		case err == nil:
			w.log.Debug().
				Str("entity_type", string(item.EntityType)).
				Int("id", item.EntityID).
				Msg("created change message")
			w.mu.Lock()
			w.messages++
			w.mu.Unlock()
			metrics.ChangesIngested.WithLabelValues(string(w.cfg.SyncType)).Inc()
		case isConflict(err):
			w.log.Debug().
				Str("entity_type", string(item.EntityType)).
				Int("id", item.EntityID).
				Msg("change message already exists")
			metrics.ChangesDuplicate.WithLabelValues(string(w.cfg.SyncType)).Inc()
		default:
			w.log.Error().Err(err).
				Str("entity_type", string(item.EntityType)).
				Int("id", item.EntityID).
				Msg("could not create change message")
		}
	}
}

func isConflict(err error) bool {
	return errors.Is(err, eve.ErrConflict)
}

func (w *Worker) checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errStopped
	default:
		return nil
	}
}

func (w *Worker) acquire(ctx context.Context) error {
	if w.cfg.Pool == nil {
		return nil
	}
	if err := w.cfg.Pool.Acquire(ctx, 1); err != nil {
		return errStopped
	}
	return nil
}

func (w *Worker) release() {
	if w.cfg.Pool != nil {
		w.cfg.Pool.Release(1)
	}
}
