package eve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		expect error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusUnprocessableEntity, ErrConflict},
		{"precondition", http.StatusPreconditionFailed, ErrPreconditionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			c := New(srv.URL, "")
			err := c.Get(context.Background(), "persons", "1", nil)
			assert.ErrorIs(t, err, tt.expect)
		})
	}
}

func TestGetSurfacesOtherStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream died"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.Get(context.Background(), "persons", "1", nil)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadGateway, status.Code)
	assert.Contains(t, status.Body, "upstream died")
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		method = r.Method
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "apikey123")
	err := c.Patch(context.Background(), "persons", "abc", `"etag-1"`, map[string]interface{}{"x": 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "Basic apikey123", got.Get("Authorization"))
	assert.Equal(t, `"etag-1"`, got.Get("If-Match"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestFindEncodesQuery(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		json.NewEncoder(w).Encode(Envelope{Meta: Meta{Total: 0}})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Find(context.Background(), "integration/changes", Query{
		Where:      map[string]interface{}{"_org_id": 42},
		Sort:       `[("sequence_ordinal", -1)]`,
		MaxResults: 1,
		Page:       2,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"_org_id": 42}`, query["where"][0])
	assert.Equal(t, `[("sequence_ordinal", -1)]`, query["sort"][0])
	assert.Equal(t, "1", query["max_results"][0])
	assert.Equal(t, "2", query["page"][0])
}

func TestFindDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"_items": [{"id": 1}, {"id": 2}], "_meta": {"total": 2, "page": 1}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	env, err := c.Find(context.Background(), "persons", Query{})
	require.NoError(t, err)

	assert.Len(t, env.Items, 2)
	assert.Equal(t, 2, env.Meta.Total)
}

func TestInsertDecodesCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"_id": "abc123", "_etag": "e1"}`))
	}))
	defer srv.Close()

	var created struct {
		ID   string `json:"_id"`
		Etag string `json:"_etag"`
	}
	c := New(srv.URL, "")
	err := c.Insert(context.Background(), "persons", map[string]interface{}{"id": 1}, &created)
	require.NoError(t, err)

	assert.Equal(t, "abc123", created.ID)
	assert.Equal(t, "e1", created.Etag)
}
