package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/nugget/contentdigest/internal/events"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/orchestrator"
)

type fakeRunStore struct {
	items []kvstore.Item
	err   error
}

func (f *fakeRunStore) Query(ctx context.Context, table string, predicate func(key string, record json.RawMessage) bool) ([]kvstore.Item, error) {
	return f.items, f.err
}

func manifestItem(t *testing.T, m orchestrator.RunManifest) kvstore.Item {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return kvstore.Item{Key: m.RunID, Record: raw}
}

func TestHandleDashboard_ListsRunsNewestFirst(t *testing.T) {
	older := orchestrator.RunManifest{RunID: "run-1", StartedAt: time.Now().Add(-time.Hour), Status: orchestrator.RunCompleted}
	newer := orchestrator.RunManifest{RunID: "run-2", StartedAt: time.Now(), Status: orchestrator.RunCompleted}
	store := &fakeRunStore{items: []kvstore.Item{manifestItem(t, older), manifestItem(t, newer)}}

	s := NewServer(":0", store, events.New(), nil)
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	s.handleDashboard(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	i1 := strings.Index(body, "run-1")
	i2 := strings.Index(body, "run-2")
	if i1 == -1 || i2 == -1 || i2 > i1 {
		t.Errorf("expected run-2 (newer) to render before run-1, body = %s", body)
	}
}

func TestHandleDashboard_EmptyStoreRendersPlaceholder(t *testing.T) {
	s := NewServer(":0", &fakeRunStore{}, events.New(), nil)
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	s.handleDashboard(w, req)

	if !strings.Contains(w.Body.String(), "No runs yet") {
		t.Error("expected empty-state placeholder text")
	}
}

func TestHandleRunDetail_RendersRunID(t *testing.T) {
	s := NewServer(":0", &fakeRunStore{}, events.New(), nil)
	req := httptest.NewRequest("GET", "/runs/run-42", nil)
	req.SetPathValue("id", "run-42")
	w := httptest.NewRecorder()

	s.handleRunDetail(w, req)

	if !strings.Contains(w.Body.String(), "run-42") {
		t.Error("expected run id in rendered page")
	}
}

func TestHandleRunStream_ForwardsMatchingRunEvents(t *testing.T) {
	bus := events.New()
	s := NewServer(":0", &fakeRunStore{}, bus, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{id}/stream", s.handleRunStream)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/runs/run-1/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// give the server goroutine a moment to subscribe before publishing
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{Source: events.SourceOrchestrator, Kind: events.KindStageStart, Data: map[string]any{"run_id": "run-2"}})
	bus.Publish(events.Event{Source: events.SourceOrchestrator, Kind: events.KindRunComplete, Data: map[string]any{"run_id": "run-1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var e events.Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatal(err)
	}
	if e.Data["run_id"] != "run-1" {
		t.Errorf("got event for run_id %v, want run-1 (run-2's event should have been filtered out)", e.Data["run_id"])
	}
}
