package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldbook/api/internal/draft"
	"fieldbook/api/internal/record"
	"fieldbook/api/internal/remote"
	"fieldbook/api/internal/session"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]record.Record
	pingErr error
}

func newFakeStore(records ...record.Record) *fakeStore {
	s := &fakeStore{records: map[string]record.Record{}}
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return s
}

func (s *fakeStore) Fetch(ctx context.Context, id string) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return record.Record{}, remote.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, patch remote.Patch) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return record.Record{}, remote.ErrNotFound
	}
	if patch.Notes != nil {
		rec.Notes = *patch.Notes
	}
	if patch.CategoryNotes != nil {
		rec.CategoryNotes = *patch.CategoryNotes
	}
	if patch.Findings != nil {
		rec.Findings = *patch.Findings
	}
	if patch.VoiceMemos != nil {
		rec.VoiceMemos = *patch.VoiceMemos
	}
	if patch.Activity != nil {
		rec.Activity = *patch.Activity
	}
	rec.UpdatedAt = time.Now()
	s.records[id] = rec
	return rec, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, id string, next record.Lifecycle) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return record.Record{}, remote.ErrNotFound
	}
	if !rec.Status.CanAdvanceTo(next) {
		return record.Record{}, remote.ErrLifecycleRegression
	}
	rec.Status = next
	s.records[id] = rec
	return rec, nil
}

func (s *fakeStore) List(ctx context.Context) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx context.Context) error {
	return s.pingErr
}

type memoryDrafts struct {
	mu    sync.Mutex
	store map[string]string
}

func (d *memoryDrafts) Get(ctx context.Context, recordID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body, ok := d.store[recordID]
	if !ok {
		return "", draft.ErrNotFound
	}
	return body, nil
}

func (d *memoryDrafts) Set(ctx context.Context, recordID, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		d.store = map[string]string{}
	}
	d.store[recordID] = body
	return nil
}

func newTestServer(t *testing.T, store *fakeStore) *HTTPServer {
	t.Helper()
	service := NewService(store, &memoryDrafts{}, nil, nil, session.Options{
		Debounce: 200 * time.Millisecond,
		Cooldown: time.Second,
	})
	t.Cleanup(func() { service.Shutdown(context.Background()) })
	return NewHTTPServer(service, "*")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, recorder.Body.String())
	}
	return payload
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, newFakeStore())
	recorder := doRequest(t, server, http.MethodGet, "/api/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	store := newFakeStore()
	store.pingErr = errors.New("connection refused")
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodGet, "/api/ready", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["status"] != "not_ready" {
		t.Errorf("payload = %v", payload)
	}
}

func TestCreateAndFetchRecord(t *testing.T) {
	server := newTestServer(t, newFakeStore())

	recorder := doRequest(t, server, http.MethodPost, "/api/records", `{"author":"dana"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeResponse(t, recorder)
	id, _ := created["id"].(string)
	if !strings.HasPrefix(id, "rec_") {
		t.Fatalf("id = %q", id)
	}
	if created["status"] != "new" {
		t.Errorf("status = %v, want new", created["status"])
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/records/"+id, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("fetch status = %d", recorder.Code)
	}
}

func TestFetchUnknownRecord(t *testing.T) {
	server := newTestServer(t, newFakeStore())
	recorder := doRequest(t, server, http.MethodGet, "/api/records/rec_missing", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "NOT_FOUND" {
		t.Errorf("payload = %v", payload)
	}
}

func TestPutNoteThroughSession(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleInProgress})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodPost, "/api/records/rec_1/notes",
		`{"category":"exterior","text":"gutter loose","author":"dana"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", recorder.Code, recorder.Body.String())
	}
	note := decodeResponse(t, recorder)
	if note["status"] != "saving" {
		t.Errorf("note status = %v, want saving", note["status"])
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/records/rec_1/session", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("session status = %d", recorder.Code)
	}
	state := decodeResponse(t, recorder)
	if state["dirty"] != true {
		t.Errorf("session should be dirty before the debounce fires: %v", state)
	}
}

func TestLifecycleCannotRegress(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleComplete})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodPut, "/api/records/rec_1/status", `{"status":"in_progress"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "LIFECYCLE_REGRESSION" {
		t.Errorf("payload = %v", payload)
	}
}

func TestUnknownLifecycleRejected(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleNew})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodPut, "/api/records/rec_1/status", `{"status":"archived"}`)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", recorder.Code, recorder.Body.String())
	}
}

func TestCompleteRecordRejectsEdits(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleComplete})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodPost, "/api/records/rec_1/notes", `{"text":"too late"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "RECORD_COMPLETE" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDeleteNoteCommitsImmediately(t *testing.T) {
	store := newFakeStore(record.Record{
		ID:     "rec_1",
		Status: record.LifecycleInProgress,
		Collections: record.Collections{
			Notes: []record.Note{{ID: "note_1", Text: "doomed"}},
		},
	})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodDelete, "/api/records/rec_1/notes/note_1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", recorder.Code, recorder.Body.String())
	}
	rec, err := store.Fetch(context.Background(), "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range rec.Notes {
		if n.ID == "note_1" {
			t.Errorf("note survived the committed delete: %+v", n)
		}
	}
}

func TestDeleteMissingItem(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleInProgress})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodDelete, "/api/records/rec_1/notes/note_nope", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "ITEM_NOT_FOUND" {
		t.Errorf("payload = %v", payload)
	}
}

func TestAddFindingTwiceKeepsOneEntry(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleInProgress})
	server := newTestServer(t, store)

	for i := 0; i < 2; i++ {
		recorder := doRequest(t, server, http.MethodPost, "/api/records/rec_1/findings",
			`{"category":"roof","findingId":"f-shingle"}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", recorder.Code, recorder.Body.String())
		}
	}

	recorder := doRequest(t, server, http.MethodGet, "/api/records/rec_1/session", "")
	state := decodeResponse(t, recorder)
	buffer, _ := state["buffer"].(map[string]any)
	findings, _ := buffer["findings"].(map[string]any)
	roof, _ := findings["roof"].([]any)
	if len(roof) != 1 {
		t.Errorf("roof findings = %v, want single entry", roof)
	}
}

func TestSessionSaveNowCommits(t *testing.T) {
	store := newFakeStore(record.Record{ID: "rec_1", Status: record.LifecycleInProgress})
	server := newTestServer(t, store)

	recorder := doRequest(t, server, http.MethodPost, "/api/records/rec_1/notes", `{"text":"flush me"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("put status = %d", recorder.Code)
	}
	recorder = doRequest(t, server, http.MethodPost, "/api/records/rec_1/session/save", "{}")
	if recorder.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", recorder.Code, recorder.Body.String())
	}

	rec, err := store.Fetch(context.Background(), "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Notes) != 1 || rec.Notes[0].Text != "flush me" {
		t.Errorf("committed notes = %+v", rec.Notes)
	}
	if rec.Notes[0].Status != "" {
		t.Errorf("committed note carries transient status: %+v", rec.Notes[0])
	}
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(t, newFakeStore())
	recorder := doRequest(t, server, http.MethodGet, "/api/nope", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}
