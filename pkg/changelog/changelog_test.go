package changelog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/types"
)

func storeFor(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(eve.New(srv.URL, "key"), zerolog.Nop())
}

func TestOrdinalIsStable(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	a := Ordinal(types.EntityPerson, 101, ts, 42)
	b := Ordinal(types.EntityPerson, 101, ts, 42)
	assert.Equal(t, a, b)
	// sha224 hex
	assert.Len(t, a, 56)
}

func TestOrdinalSeparatesTenants(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	a := Ordinal(types.EntityPerson, 101, ts, 42)
	b := Ordinal(types.EntityPerson, 101, ts, 43)
	c := Ordinal(types.EntityFunction, 101, ts, 42)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestAppendFillsDefaults(t *testing.T) {
	var posted map[string]interface{}
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &posted))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"_id": "doc1", "_etag": "e1"}`))
	})

	item := types.WorkItem{
		EntityType:      types.EntityPerson,
		EntityID:        101,
		SequenceOrdinal: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		TenantID:        42,
		Realm:           "PROD",
	}
	require.NoError(t, store.Append(context.Background(), &item))

	assert.Equal(t, "doc1", item.ID)
	assert.Equal(t, "e1", item.Etag)
	assert.Equal(t, "NA", posted["name"])
	assert.Equal(t, "ready", posted["_status"])
	assert.Equal(t, Ordinal(types.EntityPerson, 101, item.SequenceOrdinal, 42), posted["_ordinal"])
}

func TestAppendDuplicateSurfacesConflict(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	item := types.WorkItem{
		EntityType:      types.EntityPerson,
		EntityID:        101,
		SequenceOrdinal: time.Now().UTC(),
		TenantID:        42,
	}
	err := store.Append(context.Background(), &item)
	assert.ErrorIs(t, err, eve.ErrConflict)
}

func TestLastWithoutHistory(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"_items": [], "_meta": {"total": 0}}`))
	})

	last, err := store.Last(context.Background(), 42, "PROD")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestLastReturnsNewest(t *testing.T) {
	var sort string
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		sort = r.URL.Query().Get("sort")
		w.Write([]byte(`{"_items": [{"_id": "x", "entity_type": "Person", "id": 7,
			"sequence_ordinal": "2024-06-01T10:00:00Z", "_org_id": 42}], "_meta": {"total": 1}}`))
	})

	last, err := store.Last(context.Background(), 42, "PROD")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 7, last.EntityID)
	assert.Equal(t, `[("sequence_ordinal", -1)]`, sort)
}

func TestUpdateStatusHappyPath(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "e1", r.Header.Get("If-Match"))
		w.Write([]byte(`{"_etag": "e2"}`))
	})

	item := types.WorkItem{ID: "doc1", Etag: "e1", Status: types.StatusReady}
	require.NoError(t, store.UpdateStatus(context.Background(), &item, types.StatusPending, nil))
	assert.Equal(t, "e2", item.Etag)
	assert.Equal(t, types.StatusPending, item.Status)
}

func TestUpdateStatusRetriesEtagRace(t *testing.T) {
	var patches int
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			patches++
			if r.Header.Get("If-Match") == "stale" {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.Write([]byte(`{"_etag": "e3"}`))
		case http.MethodGet:
			w.Write([]byte(`{"_id": "doc1", "_etag": "fresh", "_status": "ready",
				"entity_type": "Person", "id": 1, "sequence_ordinal": "2024-06-01T10:00:00Z"}`))
		}
	})

	item := types.WorkItem{ID: "doc1", Etag: "stale", Status: types.StatusReady}
	require.NoError(t, store.UpdateStatus(context.Background(), &item, types.StatusPending, nil))
	assert.Equal(t, 2, patches)
	assert.Equal(t, "e3", item.Etag)
}

func TestUpdateStatusConcurrentWinnerCounts(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusPreconditionFailed)
		case http.MethodGet:
			// Someone else already moved it to pending
			w.Write([]byte(`{"_id": "doc1", "_etag": "fresh", "_status": "pending",
				"entity_type": "Person", "id": 1, "sequence_ordinal": "2024-06-01T10:00:00Z"}`))
		}
	})

	item := types.WorkItem{ID: "doc1", Etag: "stale", Status: types.StatusReady}
	require.NoError(t, store.UpdateStatus(context.Background(), &item, types.StatusPending, nil))
	assert.Equal(t, types.StatusPending, item.Status)
	assert.Equal(t, "fresh", item.Etag)
}

func TestUpdateStatusGivesUpAfterRetries(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusPreconditionFailed)
		case http.MethodGet:
			w.Write([]byte(`{"_id": "doc1", "_etag": "fresh", "_status": "ready",
				"entity_type": "Person", "id": 1, "sequence_ordinal": "2024-06-01T10:00:00Z"}`))
		}
	})

	item := types.WorkItem{ID: "doc1", Etag: "stale", Status: types.StatusReady}
	err := store.UpdateStatus(context.Background(), &item, types.StatusPending, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {})
	item := types.WorkItem{ID: "doc1", Etag: "e1"}
	err := store.UpdateStatus(context.Background(), &item, types.Status("done"), nil)
	assert.Error(t, err)
}

func TestUpdateStatusRejectsOffDAGTransition(t *testing.T) {
	var patches int
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		patches++
	})

	// ready can only move to pending
	item := types.WorkItem{ID: "doc1", Etag: "e1", Status: types.StatusReady}
	err := store.UpdateStatus(context.Background(), &item, types.StatusFinished, nil)
	assert.Error(t, err)

	// finished is terminal
	item = types.WorkItem{ID: "doc2", Etag: "e1", Status: types.StatusFinished}
	err = store.UpdateStatus(context.Background(), &item, types.StatusPending, nil)
	assert.Error(t, err)

	assert.Equal(t, 0, patches, "off-DAG transitions must not reach the sink")
}

func TestUpdateStatusAllowsSameStatusReassert(t *testing.T) {
	store := storeFor(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		w.Write([]byte(`{"_etag": "e2"}`))
	})

	// Recovery re-marks stuck pending items pending before retrying
	item := types.WorkItem{ID: "doc1", Etag: "e1", Status: types.StatusPending}
	require.NoError(t, store.UpdateStatus(context.Background(), &item, types.StatusPending, nil))
	assert.Equal(t, "e2", item.Etag)
}
