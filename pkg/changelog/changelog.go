package changelog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/types"
)

// Resource is the sink collection holding the work items
const Resource = "integration/changes"

// statusRetries bounds the optimistic concurrency dance
const statusRetries = 3

// ErrStatusConflict is returned when a status transition could not be
// committed within the retry budget.
var ErrStatusConflict = errors.New("status update lost the etag race")

// Ordinal computes the stable fingerprint used as the collection's
// unique dedup key: sha224 over entity type, entity id, sequence
// ordinal and tenant id.
func Ordinal(kind types.EntityKind, entityID int, sequenceOrdinal time.Time, tenantID int) string {
	payload := fmt.Sprintf("%s%d%s%d", kind, entityID,
		sequenceOrdinal.UTC().Format(time.RFC3339Nano), tenantID)
	sum := sha256.Sum224([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Store is the durable work item queue hosted in the sink
type Store struct {
	sink *eve.Client
	log  zerolog.Logger
}

// New creates a change log store over the sink client
func New(sink *eve.Client, log zerolog.Logger) *Store {
	return &Store{sink: sink, log: log}
}

// Append records one work item. Appends are idempotent by ordinal:
// a duplicate returns eve.ErrConflict which callers treat as
// already seen.
func (s *Store) Append(ctx context.Context, item *types.WorkItem) error {
	if item.Ordinal == "" {
		item.Ordinal = Ordinal(item.EntityType, item.EntityID, item.SequenceOrdinal, item.TenantID)
	}
	if item.Status == "" {
		item.Status = types.StatusReady
	}
	if item.Name == "" {
		item.Name = "NA"
	}

	var created struct {
		ID   string `json:"_id"`
		Etag string `json:"_etag"`
	}
	if err := s.sink.Insert(ctx, Resource, item, &created); err != nil {
		return err
	}
	item.ID = created.ID
	item.Etag = created.Etag
	return nil
}

// Last returns the most recent work item for (tenant, realm) by
// sequence ordinal, or nil when the tenant has no history.
func (s *Store) Last(ctx context.Context, tenantID int, realm string) (*types.WorkItem, error) {
	env, err := s.sink.Find(ctx, Resource, eve.Query{
		Where:      map[string]interface{}{"_org_id": tenantID, "_realm": realm},
		Sort:       `[("sequence_ordinal", -1)]`,
		MaxResults: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(env.Items) == 0 {
		return nil, nil
	}

	var item types.WorkItem
	if err := json.Unmarshal(env.Items[0], &item); err != nil {
		return nil, fmt.Errorf("failed to decode work item: %w", err)
	}
	return &item, nil
}

// ListByStatus walks all work items in the given statuses for the
// realm, page by page.
func (s *Store) ListByStatus(ctx context.Context, statuses []types.Status, realm string, pageSize int) ([]types.WorkItem, error) {
	if pageSize <= 0 {
		pageSize = 250
	}

	where := map[string]interface{}{
		"_status": map[string]interface{}{"$in": statuses},
		"_realm":  realm,
	}

	var all []types.WorkItem
	for page := 1; ; page++ {
		env, err := s.sink.Find(ctx, Resource, eve.Query{
			Where:      where,
			Sort:       `[("_id", 1)]`,
			MaxResults: pageSize,
			Page:       page,
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range env.Items {
			var item types.WorkItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to decode work item: %w", err)
			}
			all = append(all, item)
		}
		if len(env.Items) < pageSize || len(all) >= env.Meta.Total && env.Meta.Total > 0 {
			break
		}
	}
	return all, nil
}

// UpdateStatus transitions a work item's status, conditional on its
// etag. Off-DAG transitions are rejected before anything is written.
// On a precondition failure the item is re-read; if the server
// side status already equals the target the transition is treated as
// done, otherwise it is retried with the fresh etag. The item's etag
// and status fields are refreshed in place.
func (s *Store) UpdateStatus(ctx context.Context, item *types.WorkItem, status types.Status, issues map[string]interface{}) error {
	if !status.Valid() {
		return fmt.Errorf("%q is not a valid status", status)
	}
	// Re-asserting the current status is an idempotent no-op, anything
	// else must follow the lifecycle DAG
	if item.Status.Valid() && item.Status != status && !item.Status.CanTransition(status) {
		return fmt.Errorf("cannot transition work item from %q to %q", item.Status, status)
	}

	payload := map[string]interface{}{"_status": status}
	if issues != nil {
		payload["_issues"] = issues
	}

	for attempt := 0; attempt < statusRetries; attempt++ {
		var updated struct {
			Etag string `json:"_etag"`
		}
		err := s.sink.Patch(ctx, Resource, item.ID, item.Etag, payload, &updated)
		if err == nil {
			item.Etag = updated.Etag
			item.Status = status
			return nil
		}
		if !errors.Is(err, eve.ErrPreconditionFailed) {
			return err
		}

		var fresh types.WorkItem
		if err := s.sink.Get(ctx, Resource, item.ID, &fresh); err != nil {
			return fmt.Errorf("failed to re-read work item after etag mismatch: %w", err)
		}
		if fresh.Status == status {
			item.Etag = fresh.Etag
			item.Status = status
			return nil
		}
		item.Etag = fresh.Etag
	}

	return ErrStatusConflict
}
