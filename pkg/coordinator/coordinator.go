package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/luftsport/nif-integration/pkg/changelog"
	"github.com/luftsport/nif-integration/pkg/config"
	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/integration"
	applog "github.com/luftsport/nif-integration/pkg/log"
	"github.com/luftsport/nif-integration/pkg/metrics"
	"github.com/luftsport/nif-integration/pkg/nif"
	"github.com/luftsport/nif-integration/pkg/syncworker"
	"github.com/luftsport/nif-integration/pkg/types"
)

// Pseudo tenant ids for the federation level feeds. These are not
// real organisations; they partition the change log by feed.
const (
	TenantPayments   = 900003
	TenantLicense    = 900001
	TenantCompetence = 900002
)

// paymentsEpoch is the fixed history start for the payments feed
var paymentsEpoch = time.Date(2019, 10, 1, 0, 0, 0, 0, time.UTC)

// federationEpoch backstops the federation org's creation date when
// the sink cannot provide it
var federationEpoch = time.Date(1995, 10, 11, 22, 0, 0, 0, time.UTC)

// startStagger spreads worker start times so their schedules do not
// align
const startStagger = time.Second

// entry pairs a worker with its own cancel so single workers can be
// restarted without touching the fleet
type entry struct {
	worker *syncworker.Worker
	cfg    syncworker.Config
	cancel context.CancelFunc
}

// Coordinator owns the sync worker fleet: provisioning, startup,
// shutdown and the registry behind the control API.
type Coordinator struct {
	cfg     *config.Config
	sink    *eve.Client
	store   *changelog.Store
	users   *integration.Service
	loc     *time.Location
	sem     *semaphore.Weighted
	log     zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries []*entry
	failed  []types.FailedTenant
	started bool
}

// New assembles a coordinator
func New(cfg *config.Config, sink *eve.Client, store *changelog.Store, users *integration.Service, loc *time.Location, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		sink:  sink,
		store: store,
		users: users,
		loc:   loc,
		sem:   semaphore.NewWeighted(int64(cfg.Sync.ConnectionPoolSize)),
		log:   logger,
	}
}

// Started reports whether the fleet is up
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Start provisions integration users and launches the worker fleet.
// Tenants that cannot be provisioned or authenticated are recorded as
// failed and skipped; they do not block the rest of the fleet.
func (c *Coordinator) Start(parent context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("workers already started")
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	c.started = true
	c.failed = nil
	c.mu.Unlock()

	c.log.Info().Msg("starting workers")

	if c.cfg.Sync.Enabled(types.SyncChanges) {
		c.startClubWorkers(c.ctx)
	}
	c.startFederationWorkers(c.ctx)

	c.mu.Lock()
	count := len(c.entries)
	failed := len(c.failed)
	c.mu.Unlock()

	metrics.WorkersFailed.Set(float64(failed))
	c.log.Info().Int("workers", count).Int("failed", failed).Msg("worker fleet started")
	return nil
}

// startClubWorkers provisions one integration user per club and
// launches a changes worker for each. Groups mapped as clubs are
// provisioned the same way under their mapped tenant id.
func (c *Coordinator) startClubWorkers(ctx context.Context) {
	clubs, err := c.users.ActiveClubs(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("could not list clubs")
		return
	}
	c.log.Info().Int("count", len(clubs)).Msg("got clubs")

	excluded := map[int]bool{}
	for _, id := range c.cfg.Sync.ExcludeTenants {
		excluded[id] = true
	}

	seen := map[int]bool{}
	var tenants []int
	for _, club := range clubs {
		id := club.ID
		if excluded[id] {
			if mapped, ok := c.cfg.Sync.GroupsAsClubs[id]; ok {
				id = mapped
			} else {
				continue
			}
		}
		if !seen[id] {
			seen[id] = true
			tenants = append(tenants, id)
		}
	}
	sort.Ints(tenants)

	var users []*types.IntegrationUser
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		user, err := c.users.EnsureUser(ctx, tenant)
		if err != nil {
			c.log.Error().Err(err).Int("club_id", tenant).Msg("could not provision integration user")
			c.addFailed(types.FailedTenant{Name: "From list", TenantID: tenant})
			continue
		}
		users = append(users, user)
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		if !c.users.TestLogin(ctx, user) {
			// Fresh users take a while before they authenticate
			if err := c.users.WaitAuthenticated(ctx, user); err != nil {
				c.log.Error().Int("club_id", user.ClubID).Msg("integration user failed authentication")
				c.addFailed(types.FailedTenant{Name: user.ClubName, TenantID: user.ClubID})
				continue
			}
		}

		created := federationEpoch
		if user.ClubCreated != nil {
			created = *user.ClubCreated
		}

		c.launch(ctx, syncworker.Config{
			TenantID: user.ClubID,
			SyncType: types.SyncChanges,
			Created:  created,
			Source:   c.users.ClientFor(user),
		})
		c.log.Info().Int("club_id", user.ClubID).Msg("added changes worker")
	}
}

// startFederationWorkers launches the license, competence, payments
// and federation feeds under the federation credential
func (c *Coordinator) startFederationWorkers(ctx context.Context) {
	source := nif.New(c.cfg.Source.BaseURL, c.cfg.Source.FederationUsername(),
		c.cfg.Source.FederationPassword, c.cfg.Source.Realm, c.loc)

	fedCreated := c.federationCreated(ctx)

	feeds := []struct {
		syncType types.SyncType
		tenant   int
		created  time.Time
	}{
		{types.SyncPayments, TenantPayments, paymentsEpoch},
		{types.SyncLicense, TenantLicense, fedCreated},
		{types.SyncCompetence, TenantCompetence, fedCreated},
		{types.SyncFederation, c.cfg.Source.OrgStructure, fedCreated},
	}

	for _, feed := range feeds {
		if !c.cfg.Sync.Enabled(feed.syncType) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.launch(ctx, syncworker.Config{
			TenantID: feed.tenant,
			SyncType: feed.syncType,
			Created:  feed.created,
			Source:   source,
		})
		c.log.Info().Str("sync_type", string(feed.syncType)).Int("tenant", feed.tenant).Msg("added federation worker")
	}
}

func (c *Coordinator) federationCreated(ctx context.Context) time.Time {
	var org types.Club
	err := c.sink.Get(ctx, "organizations", fmt.Sprintf("%d", c.cfg.Source.OrgStructure), &org)
	if err != nil || org.Created.IsZero() {
		return federationEpoch
	}
	return org.Created
}

// launch fills the fleet wide settings into cfg, registers the worker
// and starts it
func (c *Coordinator) launch(ctx context.Context, cfg syncworker.Config) {
	cfg.Realm = c.cfg.Source.Realm
	cfg.Store = c.store
	cfg.Pool = c.sem
	cfg.SyncInterval = c.cfg.Sync.Interval(cfg.SyncType)
	cfg.PopulateInterval = time.Duration(c.cfg.Sync.PopulateInterval) * time.Hour
	cfg.InitialTimedelta = time.Duration(c.cfg.Sync.InitialTimedelta) * time.Second
	cfg.Overlap = time.Duration(c.cfg.Sync.OverlapHours) * time.Hour
	cfg.Delay = time.Duration(c.cfg.Sync.Delay) * time.Second
	cfg.MaxErrors = c.cfg.Sync.MaxErrors
	cfg.TailSize = c.cfg.Log.TailSize
	cfg.Logger = applog.WithComponent("sync")
	cfg.OnSelfTerminate = c.onSelfTerminate

	worker, err := syncworker.New(cfg)
	if err != nil {
		c.log.Error().Err(err).Int("tenant", cfg.TenantID).Msg("could not build worker")
		c.addFailed(types.FailedTenant{Name: "From list", TenantID: cfg.TenantID})
		return
	}

	wctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.entries = append(c.entries, &entry{worker: worker, cfg: cfg, cancel: cancel})
	c.mu.Unlock()

	worker.Start(wctx)
	metrics.WorkersAlive.WithLabelValues(string(cfg.SyncType)).Inc()
	time.Sleep(startStagger)
}

func (c *Coordinator) onSelfTerminate(w *syncworker.Worker, err error) {
	c.log.Error().Err(err).Str("worker", w.Name()).Msg("worker terminated itself")
	metrics.WorkersAlive.WithLabelValues(string(w.SyncType())).Dec()
	c.addFailed(types.FailedTenant{Name: w.Name(), TenantID: w.TenantID()})
	metrics.WorkersFailed.Set(float64(len(c.FailedTenants())))
}

func (c *Coordinator) addFailed(t types.FailedTenant) {
	c.mu.Lock()
	c.failed = append(c.failed, t)
	c.mu.Unlock()
}

// Shutdown stops every worker and waits for them to finish
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	entries := make([]*entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	c.log.Info().Msg("shutting down workers")
	cancel()
	for _, e := range entries {
		c.log.Info().Str("worker", e.worker.Name()).Msg("joining worker")
		<-e.worker.Done()
	}

	c.mu.Lock()
	c.entries = nil
	c.started = false
	c.mu.Unlock()

	metrics.WorkersAlive.Reset()
	c.log.Info().Msg("all workers stopped")
}

// Reboot stops the fleet and starts it again with fresh provisioning
func (c *Coordinator) Reboot(parent context.Context) error {
	c.Shutdown()
	return c.Start(parent)
}

// Workers returns the fleet's state records in registry order
func (c *Coordinator) Workers() []types.WorkerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.WorkerSnapshot, 0, len(c.entries))
	for i, e := range c.entries {
		snap := e.worker.Snapshot()
		snap.Index = i
		out = append(out, snap)
	}
	return out
}

// Worker returns one worker's state record by registry index
func (c *Coordinator) Worker(index int) (types.WorkerSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.entries) {
		return types.WorkerSnapshot{}, fmt.Errorf("no worker with index %d", index)
	}
	snap := c.entries[index].worker.Snapshot()
	snap.Index = index
	return snap, nil
}

// WorkerTail returns one worker's retained error log by registry index
func (c *Coordinator) WorkerTail(index int) ([]applog.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.entries) {
		return nil, fmt.Errorf("no worker with index %d", index)
	}
	return c.entries[index].worker.Tail(), nil
}

// RestartWorker starts a replacement for a dead worker with the same
// configuration. A worker that is still alive is left alone.
func (c *Coordinator) RestartWorker(index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.entries) {
		c.mu.Unlock()
		return fmt.Errorf("no worker with index %d", index)
	}
	e := c.entries[index]
	parent := c.ctx
	c.mu.Unlock()

	if e.worker.Alive() {
		c.log.Info().Str("worker", e.worker.Name()).Msg("worker is alive, not restarting")
		return nil
	}

	c.log.Info().Str("worker", e.worker.Name()).Msg("restarting worker")
	e.cancel()
	<-e.worker.Done()

	replacement, err := syncworker.New(e.cfg)
	if err != nil {
		return fmt.Errorf("failed to rebuild worker: %w", err)
	}

	wctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.entries[index] = &entry{worker: replacement, cfg: e.cfg, cancel: cancel}
	c.mu.Unlock()

	replacement.Start(wctx)
	return nil
}

// FailedTenants returns the tenants whose workers could not start
func (c *Coordinator) FailedTenants() []types.FailedTenant {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.FailedTenant, len(c.failed))
	copy(out, c.failed)
	return out
}
