package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luftsport/nif-integration/pkg/changelog"
	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/nif"
	"github.com/luftsport/nif-integration/pkg/types"
)

type recorded struct {
	Method  string
	Path    string
	IfMatch string
	Body    map[string]interface{}
}

// sinkRecorder answers sink requests from a scripted document set and
// records every mutation
type sinkRecorder struct {
	mu       sync.Mutex
	existing map[string]string
	requests []recorded
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{existing: map[string]string{}}
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if r.Method == http.MethodGet {
			if doc, ok := s.existing[r.URL.Path]; ok {
				w.Write([]byte(doc))
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}

		rec := recorded{Method: r.Method, Path: r.URL.Path, IfMatch: r.Header.Get("If-Match")}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &rec.Body)
		s.requests = append(s.requests, rec)

		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		w.Write([]byte(`{"_id": "new1", "_etag": "e-next"}`))
	}
}

func (s *sinkRecorder) recordedRequests() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recorded, len(s.requests))
	copy(out, s.requests)
	return out
}

// statusesFor extracts the _status writes against one change document
func (s *sinkRecorder) statusesFor(id string) []string {
	var out []string
	for _, r := range s.recordedRequests() {
		if r.Path == "/integration/changes/"+id {
			if status, ok := r.Body["_status"].(string); ok {
				out = append(out, status)
			}
		}
	}
	return out
}

// fakeEntitySource serves entity fetches with a fixed XML body per
// action
type fakeEntitySource struct {
	mu        sync.Mutex
	responses map[string]string
	fail      bool
}

func (f *fakeEntitySource) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.fail {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		data, _ := io.ReadAll(r.Body)
		for action, inner := range f.responses {
			if strings.Contains(string(data), "<"+action) {
				fmt.Fprintf(w, `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
					<%sResponse xmlns="http://www.nif.no/services"><%sResult>%s</%sResult></%sResponse>
				</s:Body></s:Envelope>`, action, action, inner, action, action)
				return
			}
		}
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newTestConsumer(t *testing.T, sink *sinkRecorder, source *fakeEntitySource) *Consumer {
	t.Helper()

	sinkSrv := httptest.NewServer(sink.handler())
	t.Cleanup(sinkSrv.Close)
	srcSrv := httptest.NewServer(source.handler())
	t.Cleanup(srcSrv.Close)

	client := eve.New(sinkSrv.URL, "key")
	store := changelog.New(client, zerolog.Nop())
	nifClient := nif.NewWithHTTPClient(srcSrv.URL, "u", "p", "PROD", time.UTC, srcSrv.Client())

	return New(Config{
		Realm:        "PROD",
		OrgStructure: 376,
		TokenFile:    filepath.Join(t.TempDir(), "resume.token"),
		MaxRestarts:  3,
		PollInterval: 10 * time.Millisecond,
	}, store, client, Sources{Club: nifClient, Federation: nifClient}, nil, zerolog.Nop())
}

func changeItem(kind types.EntityKind, id int) types.WorkItem {
	return types.WorkItem{
		ID:              "chg1",
		Etag:            "e1",
		EntityType:      kind,
		EntityID:        id,
		SequenceOrdinal: time.Now().UTC(),
		Status:          types.StatusReady,
		TenantID:        42,
		Realm:           "PROD",
	}
}

func TestProcessChangeInsertsNewEntity(t *testing.T) {
	sink := newSinkRecorder()
	source := &fakeEntitySource{responses: map[string]string{
		"PersonGet": `<Success>true</Success><Entity><Id>101</Id><FirstName>Ola</FirstName></Entity>`,
	}}
	c := newTestConsumer(t, sink, source)

	item := changeItem(types.EntityPerson, 101)
	ok := c.ProcessChange(context.Background(), &item)
	require.True(t, ok)

	assert.Equal(t, []string{"pending", "finished"}, sink.statusesFor("chg1"))

	var insert *recorded
	for _, r := range sink.recordedRequests() {
		if r.Method == http.MethodPost && r.Path == "/persons/process" {
			r := r
			insert = &r
			break
		}
	}
	require.NotNil(t, insert, "expected an insert against persons/process")
	assert.Equal(t, float64(101), insert.Body["id"])
	assert.Equal(t, "Ola", insert.Body["first_name"])
}

func TestProcessChangeReplacesExisting(t *testing.T) {
	sink := newSinkRecorder()
	sink.existing["/persons/process/101"] = `{"_id": "p-abc", "_etag": "p-etag"}`
	source := &fakeEntitySource{responses: map[string]string{
		"PersonGet": `<Success>true</Success><Entity><Id>101</Id></Entity>`,
	}}
	c := newTestConsumer(t, sink, source)

	item := changeItem(types.EntityPerson, 101)
	require.True(t, c.ProcessChange(context.Background(), &item))

	var put *recorded
	for _, r := range sink.recordedRequests() {
		if r.Method == http.MethodPut {
			r := r
			put = &r
		}
	}
	require.NotNil(t, put, "expected a replace")
	assert.Equal(t, "/persons/process/p-abc", put.Path)
	assert.Equal(t, "p-etag", put.IfMatch)
}

func TestProcessChangePatchesClubsKeepingActivities(t *testing.T) {
	sink := newSinkRecorder()
	sink.existing["/organizations/process/123"] = `{"_id": "o-abc", "_etag": "o-etag"}`
	source := &fakeEntitySource{responses: map[string]string{
		"OrgGet": `<Success>true</Success><Entity>
			<Id>123</Id><TypeId>5</TypeId>
			<Activities><Activity>1</Activity></Activities>
			<MainActivity>1</MainActivity>
			<Name>Oslo Flyklubb</Name>
		</Entity>`,
	}}
	c := newTestConsumer(t, sink, source)

	item := changeItem(types.EntityOrganization, 123)
	require.True(t, c.ProcessChange(context.Background(), &item))

	var patch *recorded
	for _, r := range sink.recordedRequests() {
		if r.Method == http.MethodPatch && r.Path == "/organizations/process/o-abc" {
			r := r
			patch = &r
		}
	}
	require.NotNil(t, patch, "expected a patch for the club")
	assert.Equal(t, "o-etag", patch.IfMatch)
	assert.NotContains(t, patch.Body, "activities")
	assert.NotContains(t, patch.Body, "main_activity")
	assert.Equal(t, "Oslo Flyklubb", patch.Body["name"])
}

func TestProcessChangeReplacesNonClubOrganizations(t *testing.T) {
	sink := newSinkRecorder()
	sink.existing["/organizations/process/376"] = `{"_id": "o-fed", "_etag": "o-etag"}`
	source := &fakeEntitySource{responses: map[string]string{
		"OrgGet": `<Success>true</Success><Entity><Id>376</Id><TypeId>2</TypeId></Entity>`,
	}}
	c := newTestConsumer(t, sink, source)

	item := changeItem(types.EntityOrganization, 376)
	require.True(t, c.ProcessChange(context.Background(), &item))

	methods := map[string]bool{}
	for _, r := range sink.recordedRequests() {
		if strings.HasPrefix(r.Path, "/organizations/process/") {
			methods[r.Method] = true
		}
	}
	assert.True(t, methods[http.MethodPut])
	assert.False(t, methods[http.MethodPatch])
}

func TestMergedPersonsGetBackReferences(t *testing.T) {
	sink := newSinkRecorder()
	// Person 7 exists, person 8 was never synced
	sink.existing["/persons/process/7"] = `{"_id": "p-7", "_etag": "e-7"}`
	source := &fakeEntitySource{responses: map[string]string{
		"PersonGet": `<Success>true</Success><Entity><Id>101</Id></Entity>`,
	}}
	c := newTestConsumer(t, sink, source)

	item := changeItem(types.EntityPerson, 101)
	item.MergedFrom = []int{7, 8}
	require.True(t, c.ProcessChange(context.Background(), &item))

	var patched, stubbed bool
	for _, r := range sink.recordedRequests() {
		if r.Method == http.MethodPatch && r.Path == "/persons/process/p-7" {
			patched = true
			assert.Equal(t, float64(101), r.Body["_merged_to"])
		}
		if r.Method == http.MethodPost && r.Path == "/persons/process" {
			if mergedTo, ok := r.Body["_merged_to"]; ok {
				stubbed = true
				assert.Equal(t, float64(101), mergedTo)
				assert.Equal(t, float64(8), r.Body["id"])
			}
		}
	}
	assert.True(t, patched, "existing merged person should be patched")
	assert.True(t, stubbed, "missing merged person should get a stub")
}

func TestSourceFailureMarksError(t *testing.T) {
	sink := newSinkRecorder()
	source := &fakeEntitySource{fail: true}
	c := newTestConsumer(t, sink, source)

	item := changeItem(types.EntityPerson, 101)
	assert.False(t, c.ProcessChange(context.Background(), &item))
	assert.Equal(t, []string{"pending", "error"}, sink.statusesFor("chg1"))

	var issues interface{}
	for _, r := range sink.recordedRequests() {
		if r.Body["_status"] == "error" {
			issues = r.Body["_issues"]
		}
	}
	require.NotNil(t, issues)
}

func TestResumeTokenRoundTrip(t *testing.T) {
	sink := newSinkRecorder()
	c := newTestConsumer(t, sink, &fakeEntitySource{})

	assert.Equal(t, "", c.readToken())

	c.writeToken("abc123")
	assert.Equal(t, "abc123", c.readToken())

	c.writeToken("def456")
	assert.Equal(t, "def456", c.readToken())

	c.resetToken()
	assert.Equal(t, "", c.readToken())
	assert.True(t, c.tokenReset)

	// No stray temp files left behind
	entries, err := os.ReadDir(filepath.Dir(c.cfg.TokenFile))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTokenWritesSuspendedDuringRecovery(t *testing.T) {
	sink := newSinkRecorder()
	c := newTestConsumer(t, sink, &fakeEntitySource{})

	c.setTokenLock(true)
	c.writeToken("abc123")
	assert.Equal(t, "", c.readToken())

	c.setTokenLock(false)
	c.writeToken("abc123")
	assert.Equal(t, "abc123", c.readToken())
}

func TestRunResetsTokenThenGivesUp(t *testing.T) {
	// Every watch attempt fails with a server error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := eve.New(srv.URL, "key")
	store := changelog.New(client, zerolog.Nop())
	tokenFile := filepath.Join(t.TempDir(), "resume.token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok1"), 0o644))

	c := New(Config{
		Realm:        "PROD",
		TokenFile:    tokenFile,
		MaxRestarts:  2,
		PollInterval: 10 * time.Millisecond,
	}, store, client, Sources{}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	// Restarts up to MaxRestarts, resets the token, retries once more,
	// then fails for good
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too many stream restarts")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not give up")
	}

	_, err := os.Stat(tokenFile)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, c.tokenReset)
}

func TestRecoverSweepsReadyItems(t *testing.T) {
	sink := newSinkRecorder()
	source := &fakeEntitySource{responses: map[string]string{
		"PersonGet": `<Success>true</Success><Entity><Id>101</Id></Entity>`,
	}}
	c := newTestConsumer(t, sink, source)

	// ListByStatus reads the change collection
	sink.existing["/integration/changes"] = `{"_items": [
		{"_id": "chg1", "_etag": "e1", "entity_type": "Person", "id": 101,
		 "sequence_ordinal": "2024-06-01T10:00:00Z", "_status": "ready", "_org_id": 42, "_realm": "PROD"}
	], "_meta": {"total": 1}}`

	require.NoError(t, c.Recover(context.Background(), false))
	assert.Equal(t, []string{"pending", "finished"}, sink.statusesFor("chg1"))
}
