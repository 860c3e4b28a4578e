package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/types"
)

// ErrStaleToken is returned when a resume token no longer matches the
// collection, e.g. the referenced document was purged. The consumer's
// restart policy resets the token and retries.
var ErrStaleToken = errors.New("resume token is stale")

// Event is one inserted work item together with the opaque resume
// token that points just past it.
type Event struct {
	Token string
	Item  types.WorkItem
}

// Watcher tails inserts into the change log. The sink's document ids
// are monotonically increasing, so the tail is driven by an id cursor;
// the cursor doubles as the opaque resume token.
type Watcher struct {
	store        *Store
	cursor       string
	pollInterval time.Duration
	pageSize     int
	pending      []Event
}

// Watch opens a tailing watch over the change log. With an empty
// resumeAfter the watch starts from the live tail; a non-empty token
// that no longer resolves yields ErrStaleToken.
func (s *Store) Watch(ctx context.Context, resumeAfter string, pollInterval time.Duration) (*Watcher, error) {
	w := &Watcher{
		store:        s,
		pollInterval: pollInterval,
		pageSize:     100,
	}

	if resumeAfter == "" {
		tip, err := s.tip(ctx)
		if err != nil {
			return nil, err
		}
		w.cursor = tip
		return w, nil
	}

	var item types.WorkItem
	err := s.sink.Get(ctx, Resource, resumeAfter, &item)
	switch {
	case errors.Is(err, eve.ErrNotFound):
		return nil, ErrStaleToken
	case err != nil:
		return nil, err
	}
	w.cursor = resumeAfter
	return w, nil
}

// tip returns the id of the newest document, or empty on an empty
// collection
func (s *Store) tip(ctx context.Context) (string, error) {
	env, err := s.sink.Find(ctx, Resource, eve.Query{
		Sort:       `[("_id", -1)]`,
		MaxResults: 1,
	})
	if err != nil {
		return "", err
	}
	if len(env.Items) == 0 {
		return "", nil
	}
	var item types.WorkItem
	if err := json.Unmarshal(env.Items[0], &item); err != nil {
		return "", fmt.Errorf("failed to decode work item: %w", err)
	}
	return item.ID, nil
}

// Next blocks until the next inserted work item arrives or ctx is
// done. Events are delivered in insertion order.
func (w *Watcher) Next(ctx context.Context) (*Event, error) {
	for {
		if len(w.pending) > 0 {
			ev := w.pending[0]
			w.pending = w.pending[1:]
			w.cursor = ev.Item.ID
			return &ev, nil
		}

		if err := w.poll(ctx); err != nil {
			return nil, err
		}
		if len(w.pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	where := map[string]interface{}{}
	if w.cursor != "" {
		where["_id"] = map[string]interface{}{"$gt": w.cursor}
	}

	env, err := w.store.sink.Find(ctx, Resource, eve.Query{
		Where:      where,
		Sort:       `[("_id", 1)]`,
		MaxResults: w.pageSize,
	})
	if err != nil {
		var status *eve.StatusError
		if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 {
			// The sink rejected the cursor itself
			return ErrStaleToken
		}
		return err
	}

	for _, raw := range env.Items {
		var item types.WorkItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("failed to decode work item: %w", err)
		}
		w.pending = append(w.pending, Event{Token: item.ID, Item: item})
	}
	return nil
}
