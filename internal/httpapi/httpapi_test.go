package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/buildbot/internal/engine"
	"github.com/jxucoder/buildbot/pkg/eventbus"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/store/sqlite"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubSessions struct {
	mu       sync.Mutex
	sessions map[string]model.Snapshot
	ended    []string
	endOpts  []engine.EndOptions
	endErrs  []error
	swept    int
}

func (s *stubSessions) Sessions() []model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Snapshot
	for _, snap := range s.sessions {
		if snap.Status == model.StatusActive {
			out = append(out, snap)
		}
	}
	return out
}

func (s *stubSessions) Session(id string) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[id]
	if !ok {
		return model.Snapshot{}, engine.ErrSessionNotFound
	}
	return snap, nil
}

func (s *stubSessions) End(ctx context.Context, id string, opts engine.EndOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endErrs = append(s.endErrs, ctx.Err())
	s.ended = append(s.ended, id)
	s.endOpts = append(s.endOpts, opts)
	snap := s.sessions[id]
	snap.Status = model.StatusCompleted
	s.sessions[id] = snap
}

func (s *stubSessions) SweepStale(context.Context) int { return s.swept }

type harness struct {
	sessions *stubSessions
	store    *sqlite.Store
	bus      *eventbus.InMemoryBus
	srv      *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		sessions: &stubSessions{sessions: map[string]model.Snapshot{
			"build-01": {ID: "build-01", Status: model.StatusActive, Description: "a todo app"},
			"build-00": {ID: "build-00", Status: model.StatusCompleted, Description: "old"},
		}},
		store: st,
		bus:   eventbus.NewInMemoryBus(),
	}
	for _, snap := range h.sessions.sessions {
		require.NoError(t, st.SaveSession(snap))
	}
	h.srv = httptest.NewServer(New(h.sessions, st, h.bus))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) addEvent(t *testing.T, sessionID, typ, data string) *model.Event {
	t.Helper()
	e := &model.Event{SessionID: sessionID, Type: typ, Data: data}
	require.NoError(t, h.store.AddEvent(e))
	return e
}

func (h *harness) waitSubscribed(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.bus.Subscribers(id) == 1 }, 2*time.Second, time.Millisecond)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestListSessions(t *testing.T) {
	h := newHarness(t)

	var active []model.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/sessions", &active))
	require.Len(t, active, 1)
	assert.Equal(t, "build-01", active[0].ID)

	var completed []model.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/sessions?status=completed", &completed))
	require.Len(t, completed, 1)
	assert.Equal(t, "build-00", completed[0].ID)

	var none []model.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/sessions?status=error", &none))
	assert.Empty(t, none)
}

func TestGetSession(t *testing.T) {
	h := newHarness(t)

	var snap model.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/sessions/build-01", &snap))
	assert.Equal(t, "a todo app", snap.Description)

	var e errorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, h.srv.URL+"/api/sessions/build-99", &e))
	assert.Equal(t, "session not found", e.Error)
}

func TestEndSession(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+"/api/sessions/build-01/end", "application/json", strings.NewReader(`{"mark_ready":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap model.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, model.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"build-01"}, h.sessions.ended)
	assert.Equal(t, engine.EndOptions{MarkReady: true, Notify: true}, h.sessions.endOpts[0])

	resp, err = http.Post(h.srv.URL+"/api/sessions/build-01/end", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.sessions.endOpts[1].MarkReady)

	resp, err = http.Post(h.srv.URL+"/api/sessions/build-01/end", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(h.srv.URL+"/api/sessions/build-99/end", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndSession_OutlivesClient(t *testing.T) {
	h := newHarness(t)
	api := New(h.sessions, h.store, h.bus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/build-01/end", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	require.Equal(t, []string{"build-01"}, h.sessions.ended)
	assert.NoError(t, h.sessions.endErrs[0])
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	h.sessions.swept = 3

	resp, err := http.Post(h.srv.URL+"/api/sweep", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out sweepResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 3, out.Ended)
}

// readSSE collects "event: <type>" / data pairs until the stream closes.
func readSSE(t *testing.T, body io.Reader) []model.Event {
	t.Helper()
	var events []model.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var e model.Event
			require.NoError(t, json.Unmarshal([]byte(data), &e))
			events = append(events, e)
		}
	}
	return events
}

func TestSessionEvents_FinishedSessionReplaysHistory(t *testing.T) {
	h := newHarness(t)
	h.addEvent(t, "build-00", "status", "active")
	h.addEvent(t, "build-00", "done", "completed")

	resp, err := http.Get(h.srv.URL + "/api/sessions/build-00/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "status", events[0].Type)
	assert.Equal(t, "done", events[1].Type)
}

func TestSessionEvents_FollowsLiveEvents(t *testing.T) {
	h := newHarness(t)
	first := h.addEvent(t, "build-01", "status", "active")

	resp, err := http.Get(h.srv.URL + "/api/sessions/build-01/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	h.waitSubscribed(t, "build-01")
	h.bus.Publish("build-01", first) // already replayed
	h.bus.Publish("build-01", h.addEvent(t, "build-01", "output", "hello"))
	h.bus.Close("build-01")

	events := readSSE(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "status", events[0].Type)
	assert.Equal(t, "hello", events[1].Data)
}

func TestSessionEvents_NotFound(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, h.srv.URL+"/api/sessions/build-99/events", nil))
}

func TestSessionWebSocket(t *testing.T) {
	h := newHarness(t)
	h.addEvent(t, "build-01", "status", "active")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/sessions/build-01/ws"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	read := func() model.Event {
		typ, data, err := ws.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, typ)
		var e model.Event
		require.NoError(t, json.Unmarshal(data, &e))
		return e
	}

	assert.Equal(t, "status", read().Type)

	h.waitSubscribed(t, "build-01")
	h.bus.Publish("build-01", h.addEvent(t, "build-01", "commit", "abc1234"))
	assert.Equal(t, "abc1234", read().Data)

	h.bus.Close("build-01")
	_, _, err = ws.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
