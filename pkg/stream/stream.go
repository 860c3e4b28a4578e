package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luftsport/nif-integration/pkg/changelog"
	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/geocode"
	"github.com/luftsport/nif-integration/pkg/metrics"
	"github.com/luftsport/nif-integration/pkg/nif"
	"github.com/luftsport/nif-integration/pkg/types"
)

const personsResource = "persons/process"

// Sources groups the federation api clients by the credential each
// entity family requires.
type Sources struct {
	// Club serves Person, Function, Organization and Payment
	Club *nif.Client
	// Federation serves License and Competence
	Federation *nif.Client
}

// For selects the client able to fetch the given entity kind
func (s Sources) For(kind types.EntityKind) *nif.Client {
	switch kind {
	case types.EntityLicense, types.EntityCompetence:
		return s.Federation
	}
	return s.Club
}

// Config tunes the stream consumer
type Config struct {
	Realm           string
	OrgStructure    int
	TokenFile       string
	MaxRestarts     int
	PollInterval    time.Duration
	RecoverPageSize int
	GeocodeEnabled  bool
}

// Consumer tails the change log and projects each work item into the
// sink: fetch the authoritative entity from the source, then insert or
// update the corresponding sink document.
type Consumer struct {
	cfg     Config
	store   *changelog.Store
	sink    *eve.Client
	sources Sources
	geo     *geocode.Client
	log     zerolog.Logger

	restarts   int
	tokenReset bool

	tokenMu   sync.Mutex
	tokenLock bool
}

// New assembles a consumer. geo may be nil when geocoding is disabled.
func New(cfg Config, store *changelog.Store, sink *eve.Client, sources Sources, geo *geocode.Client, logger zerolog.Logger) *Consumer {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Consumer{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		sources: sources,
		geo:     geo,
		log:     logger,
	}
}

// Run tails the change log until ctx is cancelled. Watch failures
// restart the tail up to MaxRestarts; after that the resume token is
// reset once and the tail restarted from the live tip.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Debug().Msg("stream started")

	for {
		token := c.readToken()
		if token != "" {
			c.log.Debug().Msg("got resume token")
		} else {
			c.log.Debug().Msg("no resume token, starting from live tail")
		}

		err := c.tail(ctx, token)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, changelog.ErrStaleToken):
			c.log.Error().Msg("resume token is stale, resetting")
			c.resetToken()
		default:
			c.log.Error().Err(err).Msg("change stream failed, restarting")
			metrics.StreamRestarts.Inc()
			c.restarts++
			if c.restarts > c.cfg.MaxRestarts {
				if c.tokenReset {
					return fmt.Errorf("too many stream restarts: %w", err)
				}
				c.log.Error().Int("restarts", c.restarts).Msg("too many restarts, resetting resume token")
				c.resetToken()
				c.restarts = 0
			}
		}
	}
}

func (c *Consumer) tail(ctx context.Context, token string) error {
	w, err := c.store.Watch(ctx, token, c.cfg.PollInterval)
	if err != nil {
		return err
	}

	for {
		ev, err := w.Next(ctx)
		if err != nil {
			return err
		}

		if ev.Item.Realm != c.cfg.Realm {
			continue
		}

		c.log.Debug().
			Str("entity_type", string(ev.Item.EntityType)).
			Int("id", ev.Item.EntityID).
			Msg("processing change message")

		if c.ProcessChange(ctx, &ev.Item) {
			c.log.Debug().Msg("successfully processed")
			c.writeToken(ev.Token)
			c.restarts = 0
		}
	}
}

// ProcessChange drives one work item through its lifecycle: mark it
// pending, fetch the entity from the source, apply it to the sink and
// record the outcome. Returns true when the item finished.
func (c *Consumer) ProcessChange(ctx context.Context, item *types.WorkItem) bool {
	if err := c.store.UpdateStatus(ctx, item, types.StatusPending, nil); err != nil {
		c.log.Error().Err(err).Str("item", item.ID).Msg("could not mark change message pending")
		return false
	}

	source := c.sources.For(item.EntityType)
	payload, err := source.GetEntity(ctx, item.EntityType, item.EntityID, c.cfg.OrgStructure)
	if err != nil {
		c.log.Error().Err(err).
			Str("entity_type", string(item.EntityType)).
			Int("id", item.EntityID).
			Msg("source error for change message")
		c.fail(ctx, item, map[string]interface{}{
			"error": fmt.Sprintf("source error for %s %d: %v", item.EntityType, item.EntityID, err),
		})
		return false
	}

	if err := c.apply(ctx, payload, item); err != nil {
		c.log.Error().Err(err).
			Str("entity_type", string(item.EntityType)).
			Int("id", item.EntityID).
			Msg("could not apply change message")
		c.fail(ctx, item, map[string]interface{}{"error": err.Error()})
		metrics.StreamApplied.WithLabelValues(string(item.EntityType), "error").Inc()
		return false
	}

	if err := c.store.UpdateStatus(ctx, item, types.StatusFinished, nil); err != nil {
		c.log.Error().Err(err).Str("item", item.ID).Msg("could not mark change message finished")
		return false
	}
	metrics.StreamApplied.WithLabelValues(string(item.EntityType), "finished").Inc()
	return true
}

func (c *Consumer) fail(ctx context.Context, item *types.WorkItem, issues map[string]interface{}) {
	if err := c.store.UpdateStatus(ctx, item, types.StatusError, issues); err != nil {
		c.log.Error().Err(err).Str("item", item.ID).Msg("could not mark change message errored")
	}
}

// apply inserts or updates the sink document for the fetched entity.
// Club organizations keep their sink curated activities, so they are
// patched; everything else is replaced wholesale.
func (c *Consumer) apply(ctx context.Context, payload map[string]interface{}, item *types.WorkItem) error {
	resource := item.EntityType.Resource()

	entityID := item.EntityID
	if id, ok := payload["id"].(int); ok {
		entityID = id
	} else {
		payload["id"] = entityID
	}

	var existing struct {
		ID   string `json:"_id"`
		Etag string `json:"_etag"`
	}
	err := c.sink.Get(ctx, resource, fmt.Sprintf("%d", entityID), &existing)

	switch {
	case errors.Is(err, eve.ErrNotFound):
		c.maybeGeocode(ctx, item.EntityType, payload, true)
		if err := c.sink.Insert(ctx, resource, payload, nil); err != nil {
			return fmt.Errorf("failed to insert %s %d: %w", item.EntityType, entityID, err)
		}

	case err != nil:
		return fmt.Errorf("failed to read existing %s %d: %w", item.EntityType, entityID, err)

	default:
		c.maybeGeocode(ctx, item.EntityType, payload, false)

		if item.EntityType == types.EntityOrganization && intField(payload, "type_id") == 5 {
			// Clubs carry sink side activity curation which a full
			// replace would wipe
			delete(payload, "activities")
			delete(payload, "main_activity")
			if err := c.sink.Patch(ctx, resource, existing.ID, existing.Etag, payload, nil); err != nil {
				return fmt.Errorf("failed to patch organization %d: %w", entityID, err)
			}
		} else {
			if err := c.sink.Replace(ctx, resource, existing.ID, existing.Etag, payload, nil); err != nil {
				return fmt.Errorf("failed to replace %s %d: %w", item.EntityType, entityID, err)
			}
		}
	}

	if item.EntityType == types.EntityPerson && len(item.MergedFrom) > 0 {
		c.mergeUserTo(ctx, entityID, item.MergedFrom)
	}
	return nil
}

// maybeGeocode fills the location on persons and, for inserts only,
// organizations
func (c *Consumer) maybeGeocode(ctx context.Context, kind types.EntityKind, payload map[string]interface{}, insert bool) {
	if !c.cfg.GeocodeEnabled || c.geo == nil {
		return
	}
	switch kind {
	case types.EntityPerson:
		c.geo.AddPersonLocation(ctx, payload)
	case types.EntityOrganization:
		if insert {
			c.geo.AddOrganizationLocation(ctx, payload)
		}
	}
}

// mergeUserTo back-references every person merged into id. The source
// reports merge_result_of on the surviving person; the sink needs a
// _merged_to pointer on each swallowed person to answer with a
// redirect, and this resolves chains of any depth.
func (c *Consumer) mergeUserTo(ctx context.Context, id int, merged []int) {
	for _, m := range merged {
		var existing struct {
			ID   string `json:"_id"`
			Etag string `json:"_etag"`
		}
		err := c.sink.Get(ctx, personsResource, fmt.Sprintf("%d", m), &existing)
		switch {
		case err == nil:
			payload := map[string]interface{}{"_merged_to": id}
			if err := c.sink.Patch(ctx, personsResource, existing.ID, existing.Etag, payload, nil); err != nil {
				c.log.Error().Err(err).Int("from", m).Int("to", id).Msg("could not set merged_to")
			}
		case errors.Is(err, eve.ErrNotFound):
			// The swallowed person was never synced; create a stub so
			// the redirect still resolves
			stub := map[string]interface{}{"id": m, "_merged_to": id}
			if err := c.sink.Insert(ctx, personsResource, stub, nil); err != nil {
				c.log.Error().Err(err).Int("from", m).Int("to", id).Msg("could not create merged_to stub")
			}
		default:
			c.log.Error().Err(err).Int("from", m).Msg("could not read merged person")
		}
	}
}

// Recover sweeps the change log for stuck work items and reprocesses
// them in order. With errors false only ready items are swept; with
// errors true the pending and error items are retried instead. Token
// writes are suspended for the duration.
func (c *Consumer) Recover(ctx context.Context, withErrors bool) error {
	statuses := []types.Status{types.StatusReady}
	if withErrors {
		statuses = []types.Status{types.StatusPending, types.StatusError}
	}

	c.setTokenLock(true)
	defer c.setTokenLock(false)

	items, err := c.store.ListByStatus(ctx, statuses, c.cfg.Realm, c.cfg.RecoverPageSize)
	if err != nil {
		return fmt.Errorf("failed to list change messages for recovery: %w", err)
	}

	c.log.Info().Int("count", len(items)).Bool("errors", withErrors).Msg("recovering change messages")
	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.ProcessChange(ctx, &items[i])
		metrics.RecoveredItems.Inc()
	}
	return nil
}

func (c *Consumer) setTokenLock(locked bool) {
	c.tokenMu.Lock()
	c.tokenLock = locked
	c.tokenMu.Unlock()
}

func (c *Consumer) readToken() string {
	data, err := os.ReadFile(c.cfg.TokenFile)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Error().Err(err).Msg("error reading resume token")
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeToken persists the token atomically: written to a temp file in
// the same directory, then renamed over the target.
func (c *Consumer) writeToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.tokenLock || token == "" {
		return
	}

	dir := filepath.Dir(c.cfg.TokenFile)
	tmp, err := os.CreateTemp(dir, ".resume-*")
	if err != nil {
		c.log.Error().Err(err).Msg("could not write resume token")
		return
	}
	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		c.log.Error().Err(err).Msg("could not write resume token")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		c.log.Error().Err(err).Msg("could not write resume token")
		return
	}
	if err := os.Rename(tmp.Name(), c.cfg.TokenFile); err != nil {
		os.Remove(tmp.Name())
		c.log.Error().Err(err).Msg("could not write resume token")
	}
}

func (c *Consumer) resetToken() {
	if err := os.Remove(c.cfg.TokenFile); err != nil && !os.IsNotExist(err) {
		c.log.Error().Err(err).Msg("could not delete resume token")
	}
	c.tokenReset = true
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
