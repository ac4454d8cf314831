package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudecluster/claudecluster/internal/common/logger"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

func TestParser(t *testing.T) {
	t.Run("single frame", func(t *testing.T) {
		p := newParser(strings.NewReader("event: progress\ndata: {\"a\":1}\n\n"))
		frame, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, "progress", frame.Event)
		assert.Equal(t, `{"a":1}`, string(frame.Data))
	})

	t.Run("multi-line data", func(t *testing.T) {
		p := newParser(strings.NewReader("data: line1\ndata: line2\n\n"))
		frame, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, "line1\nline2", string(frame.Data))
	})

	t.Run("comments and id", func(t *testing.T) {
		p := newParser(strings.NewReader(": keepalive\nid: 7\nevent: status\ndata: x\n\n"))
		frame, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, "7", frame.ID)
		assert.Equal(t, "status", frame.Event)
		assert.Equal(t, "x", string(frame.Data))
	})

	t.Run("sequential frames", func(t *testing.T) {
		p := newParser(strings.NewReader("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"))
		f1, err := p.Next()
		require.NoError(t, err)
		f2, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, "a", f1.Event)
		assert.Equal(t, "b", f2.Event)
	})

	t.Run("eof", func(t *testing.T) {
		p := newParser(strings.NewReader(""))
		_, err := p.Next()
		require.Error(t, err)
	})
}

// fakeWorkerStream serves a scripted SSE response on /stream/{id} and
// counts connections.
type fakeWorkerStream struct {
	srv         *httptest.Server
	connections atomic.Int32
	frames      []string
	hold        time.Duration
}

func newFakeWorkerStream(t *testing.T, frames ...string) *fakeWorkerStream {
	t.Helper()
	w := &fakeWorkerStream{frames: frames}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/stream/") {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		w.connections.Add(1)
		rw.Header().Set("Content-Type", "text/event-stream")
		flusher := rw.(http.Flusher)
		for _, f := range w.frames {
			fmt.Fprint(rw, f)
			flusher.Flush()
			if w.hold > 0 {
				time.Sleep(w.hold)
			}
		}
		// Keep the connection open briefly so the relay, not the worker,
		// decides when the stream is over.
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func workerFrame(t *testing.T, eventType string, ev v1.StreamEvent) string {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

func collectFrames(t *testing.T, frames <-chan Frame, want int) []Frame {
	t.Helper()
	var out []Frame
	deadline := time.After(5 * time.Second)
	for len(out) < want {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", want, len(out))
		}
	}
	return out
}

func TestRelayStampsEnvelope(t *testing.T) {
	ev := v1.NewWorkerEvent("t1")
	ev.Status = v1.TaskStatusRunning
	done := v1.NewWorkerEvent("t1")
	done.Status = v1.TaskStatusCompleted
	done.Result = &v1.TaskResult{Status: v1.TaskStatusCompleted, Output: "out"}

	w := newFakeWorkerStream(t,
		workerFrame(t, "status", ev),
		workerFrame(t, "complete", done),
	)

	var mu sync.Mutex
	var observed []string
	m := NewManager(logger.Default())
	m.SetEventObserver(func(taskID, eventType string, ev *v1.StreamEvent) {
		mu.Lock()
		observed = append(observed, eventType)
		mu.Unlock()
	})

	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()

	got := collectFrames(t, frames, 2)
	assert.Equal(t, "status", got[0].Event)
	assert.Equal(t, "complete", got[1].Event)

	var stamped v1.StreamEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &stamped))
	assert.Equal(t, "t1", stamped.TaskID)
	assert.Equal(t, v1.EventSourceWorker, stamped.Source)
	assert.Equal(t, v1.EventSourceServer, stamped.RelayedBy)
	require.NotNil(t, stamped.McpTimestamp)

	var final v1.StreamEvent
	require.NoError(t, json.Unmarshal(got[1].Data, &final))
	require.NotNil(t, final.Result)
	assert.Equal(t, "out", final.Result.Output)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"status", "complete"}, observed)
}

func TestRelayFillsMissingSource(t *testing.T) {
	// Hand-built payload with no source field, as older workers emit.
	w := newFakeWorkerStream(t,
		"event: status\ndata: {\"taskId\":\"t1\",\"status\":\"running\"}\n\n",
		workerFrame(t, "complete", v1.NewWorkerEvent("t1")),
	)

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()

	got := collectFrames(t, frames, 1)
	var ev v1.StreamEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &ev))
	assert.Equal(t, v1.EventSourceWorker, ev.Source)
	assert.Equal(t, v1.EventSourceServer, ev.RelayedBy)
}

func TestRelaySingleDownstreamFanOut(t *testing.T) {
	ev := v1.NewWorkerEvent("t1")
	ev.Status = v1.TaskStatusCompleted
	w := newFakeWorkerStream(t, workerFrame(t, "complete", ev))
	w.hold = 100 * time.Millisecond

	m := NewManager(logger.Default())

	frames1, detach1, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach1()
	frames2, detach2, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach2()

	got1 := collectFrames(t, frames1, 1)
	got2 := collectFrames(t, frames2, 1)
	assert.Equal(t, "complete", got1[0].Event)
	assert.Equal(t, "complete", got2[0].Event)

	assert.Equal(t, int32(1), w.connections.Load(), "two clients must share one downstream")
}

func TestRelayRawForwardOnParseFailure(t *testing.T) {
	w := newFakeWorkerStream(t,
		"event: progress\ndata: not json at all\n\n",
		workerFrame(t, "complete", v1.NewWorkerEvent("t1")),
	)

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()

	got := collectFrames(t, frames, 2)
	assert.Equal(t, "progress", got[0].Event)
	assert.Equal(t, "not json at all", string(got[0].Data))
}

func TestRelaySkipsWorkerHeartbeats(t *testing.T) {
	hb := v1.NewWorkerEvent("t1")
	hb.UptimeMs = 1234
	w := newFakeWorkerStream(t,
		workerFrame(t, "heartbeat", hb),
		workerFrame(t, "complete", v1.NewWorkerEvent("t1")),
	)

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()

	got := collectFrames(t, frames, 1)
	assert.Equal(t, "complete", got[0].Event)
}

func TestLateSubscriberGetsFinalFrame(t *testing.T) {
	w := newFakeWorkerStream(t, workerFrame(t, "complete", v1.NewWorkerEvent("t1")))

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()
	collectFrames(t, frames, 1)

	// Attach after terminal but within the grace window.
	late, lateDetach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer lateDetach()

	got := collectFrames(t, late, 1)
	assert.Equal(t, "complete", got[0].Event)
	assert.Equal(t, int32(1), w.connections.Load())
}

func TestRelayFailureSynthesizesError(t *testing.T) {
	// Worker with no /stream endpoint at all.
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", srv.URL)
	require.NoError(t, err)
	defer detach()

	got := collectFrames(t, frames, 1)
	assert.Equal(t, string(v1.StreamEventError), got[0].Event)

	var ev v1.StreamEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &ev))
	assert.NotEmpty(t, ev.Error)
	require.NotNil(t, ev.Retryable)
	assert.True(t, *ev.Retryable)
}

func TestNotifyTerminalClosesClients(t *testing.T) {
	// Worker that streams nothing, forever (within test bounds).
	w := newFakeWorkerStream(t)
	w.hold = 0

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()

	m.NotifyTerminal("t1", v1.TaskStatusCancelled)

	got := collectFrames(t, frames, 1)
	assert.Equal(t, string(v1.StreamEventFailed), got[0].Event)
	var ev v1.StreamEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &ev))
	assert.Equal(t, v1.TaskStatusCancelled, ev.Status)
}

func TestShutdownEmitsServerShutdown(t *testing.T) {
	w := newFakeWorkerStream(t)

	m := NewManager(logger.Default())
	frames, detach, _, err := m.Subscribe("t1", w.srv.URL)
	require.NoError(t, err)
	defer detach()

	m.Shutdown()

	got := collectFrames(t, frames, 1)
	assert.Equal(t, string(v1.StreamEventServerShutdown), got[0].Event)

	// New subscriptions are refused after shutdown.
	_, _, _, err = m.Subscribe("t2", w.srv.URL)
	require.Error(t, err)
}
