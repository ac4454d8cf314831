// Package sse relays worker event streams to coordinator clients. Each task
// gets at most one downstream connection to its worker; any number of
// clients share the parsed fan-out, each with its own writer and heartbeat.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/logger"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

const (
	// heartbeatInterval paces per-client keep-alives.
	heartbeatInterval = 30 * time.Second
	// drainDelay is the pause between the final event and closing client
	// writers so the frame flushes before the connection drops.
	drainDelay = 1 * time.Second
	// entryGrace keeps the per-task entry around after terminal so
	// late-attaching clients get the final event replayed.
	entryGrace = 5 * time.Second
	// clientBuffer bounds undelivered frames per client; a client this far
	// behind is dropped rather than allowed to stall siblings.
	clientBuffer = 64
)

// EventObserver is notified for every parsed worker frame, before fan-out.
// The task manager uses it for completion reconciliation.
type EventObserver func(taskID string, eventType string, ev *v1.StreamEvent)

// client is one attached SSE consumer.
type client struct {
	id          string
	frames      chan Frame
	connectedAt time.Time
	closeOnce   sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.frames) })
}

// taskStream is the per-task relay entry: the single downstream plus its
// attached clients.
type taskStream struct {
	taskID   string
	endpoint string
	cancel   context.CancelFunc

	mu       sync.Mutex
	clients  map[string]*client
	terminal bool
	// final holds the last terminal frame for replay to late clients.
	final *Frame
}

// Manager owns all active task relays.
type Manager struct {
	client   *http.Client
	observer EventObserver
	log      *logger.Logger

	mu      sync.Mutex
	streams map[string]*taskStream
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates an SSE relay manager. The downstream HTTP client
// carries no timeout; event streams are long-lived by design.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		client:  &http.Client{},
		streams: make(map[string]*taskStream),
		log:     log,
	}
}

// SetEventObserver registers the per-frame callback. Must be called before
// any subscription.
func (m *Manager) SetEventObserver(fn EventObserver) {
	m.observer = fn
}

// Subscribe attaches a client to the task's relay, opening the downstream
// on first attach. The returned channel closes when the relay ends; the
// returned func detaches the client.
func (m *Manager) Subscribe(taskID, workerEndpoint string) (<-chan Frame, func(), time.Time, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, time.Time{}, fmt.Errorf("sse manager is shut down")
	}
	ts, ok := m.streams[taskID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ts = &taskStream{
			taskID:   taskID,
			endpoint: workerEndpoint,
			cancel:   cancel,
			clients:  make(map[string]*client),
		}
		m.streams[taskID] = ts
		m.wg.Add(1)
		go m.relay(ctx, ts)
	}
	m.mu.Unlock()

	cl := &client{
		id:          uuid.NewString(),
		frames:      make(chan Frame, clientBuffer),
		connectedAt: time.Now(),
	}

	ts.mu.Lock()
	if ts.terminal {
		// Task already over: replay the final frame and close immediately.
		final := ts.final
		ts.mu.Unlock()
		if final != nil {
			cl.frames <- *final
		}
		cl.close()
		return cl.frames, func() {}, cl.connectedAt, nil
	}
	ts.clients[cl.id] = cl
	ts.mu.Unlock()

	detach := func() {
		ts.mu.Lock()
		delete(ts.clients, cl.id)
		ts.mu.Unlock()
		cl.close()
	}
	return cl.frames, detach, cl.connectedAt, nil
}

// relay owns the downstream connection for one task: connect, parse,
// stamp, fan out.
func (m *Manager) relay(ctx context.Context, ts *taskStream) {
	defer m.wg.Done()
	log := m.log.WithTaskID(ts.taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.endpoint+"/stream/"+ts.taskID, nil)
	if err != nil {
		m.failRelay(ts, "failed to build downstream request: "+err.Error())
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		m.failRelay(ts, "failed to reach worker stream: "+err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		m.failRelay(ts, fmt.Sprintf("worker stream returned %d", resp.StatusCode))
		return
	}
	log.Debug("downstream stream opened", zap.String("endpoint", ts.endpoint))

	p := newParser(resp.Body)
	for {
		frame, err := p.Next()
		if err != nil {
			ts.mu.Lock()
			terminal := ts.terminal
			ts.mu.Unlock()
			if !terminal && ctx.Err() == nil {
				m.failRelay(ts, "worker stream ended unexpectedly")
			}
			return
		}

		// Worker heartbeats are not relayed; each client gets its own.
		if frame.Event == string(v1.StreamEventHeartbeat) {
			continue
		}

		out, ev := m.stamp(ts.taskID, frame)
		isTerminal := frame.Event == string(v1.StreamEventComplete) ||
			frame.Event == string(v1.StreamEventFailed)
		if isTerminal {
			// Mark terminal before the observer runs so a re-entrant
			// NotifyTerminal from the task manager is a no-op.
			ts.mu.Lock()
			ts.terminal = true
			ts.final = &out
			ts.mu.Unlock()
		}
		if m.observer != nil {
			m.observer(ts.taskID, frame.Event, ev)
		}
		m.fanOut(ts, out, isTerminal)
		if isTerminal {
			m.scheduleDiscard(ts)
			return
		}
	}
}

// stamp re-encodes the frame payload with the relay envelope fields and
// returns the parsed event for the observer. A payload that is not JSON is
// forwarded unchanged with its original event type.
func (m *Manager) stamp(taskID string, frame Frame) (Frame, *v1.StreamEvent) {
	var ev v1.StreamEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		m.log.WithTaskID(taskID).Warn("non-JSON frame forwarded raw",
			zap.String("event", frame.Event))
		return frame, &v1.StreamEvent{TaskID: taskID}
	}

	now := time.Now().UTC()
	ev.RelayedBy = v1.EventSourceServer
	ev.McpTimestamp = &now
	if ev.TaskID == "" {
		ev.TaskID = taskID
	}
	// Upstream frames come from the worker; fill the source in when the
	// payload omits it so downstream clients never see an empty origin.
	if ev.Source == "" {
		ev.Source = v1.EventSourceWorker
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return frame, &ev
	}
	return Frame{Event: frame.Event, Data: data, ID: frame.ID}, &ev
}

// fanOut delivers one frame to every attached client. A client with a full
// buffer is dropped, not waited on.
func (m *Manager) fanOut(ts *taskStream, frame Frame, terminal bool) {
	ts.mu.Lock()
	if terminal {
		ts.terminal = true
		ts.final = &frame
	}
	clients := make([]*client, 0, len(ts.clients))
	for _, cl := range ts.clients {
		clients = append(clients, cl)
	}
	ts.mu.Unlock()

	var dropped []string
	for _, cl := range clients {
		select {
		case cl.frames <- frame:
		default:
			dropped = append(dropped, cl.id)
		}
	}
	for _, id := range dropped {
		m.log.WithTaskID(ts.taskID).Warn("dropping slow sse client",
			zap.String("client_id", id))
		ts.mu.Lock()
		cl := ts.clients[id]
		delete(ts.clients, id)
		ts.mu.Unlock()
		if cl != nil {
			cl.close()
		}
	}

	if terminal {
		// Give writers a moment to flush the final frame before the
		// channels close under them.
		time.AfterFunc(drainDelay, func() {
			ts.mu.Lock()
			remaining := make([]*client, 0, len(ts.clients))
			for _, cl := range ts.clients {
				remaining = append(remaining, cl)
			}
			ts.clients = make(map[string]*client)
			ts.mu.Unlock()
			for _, cl := range remaining {
				cl.close()
			}
		})
	}
}

// failRelay synthesizes a failed event when the downstream cannot deliver
// one, so clients never hang on a dead relay.
func (m *Manager) failRelay(ts *taskStream, reason string) {
	m.log.WithTaskID(ts.taskID).Warn("relay failed", zap.String("reason", reason))

	now := time.Now().UTC()
	retryable := true
	ev := v1.StreamEvent{
		TaskID:       ts.taskID,
		Timestamp:    now,
		Source:       v1.EventSourceServer,
		Error:        reason,
		Retryable:    &retryable,
		RelayedBy:    v1.EventSourceServer,
		McpTimestamp: &now,
	}
	data, _ := json.Marshal(ev)
	frame := Frame{Event: string(v1.StreamEventError), Data: data}
	m.fanOut(ts, frame, true)
	m.scheduleDiscard(ts)
}

// NotifyTerminal closes a task's relay when the terminal state was learned
// outside the stream (dispatch failure, reconciliation poll, cancel).
func (m *Manager) NotifyTerminal(taskID string, status v1.TaskStatus) {
	m.mu.Lock()
	ts, ok := m.streams[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	terminal := ts.terminal
	ts.mu.Unlock()
	if terminal {
		return
	}

	now := time.Now().UTC()
	ev := v1.StreamEvent{
		TaskID:       taskID,
		Timestamp:    now,
		Source:       v1.EventSourceServer,
		Status:       status,
		RelayedBy:    v1.EventSourceServer,
		McpTimestamp: &now,
	}
	data, _ := json.Marshal(ev)
	eventType := v1.StreamEventComplete
	if status != v1.TaskStatusCompleted {
		eventType = v1.StreamEventFailed
	}
	m.fanOut(ts, Frame{Event: string(eventType), Data: data}, true)
	ts.cancel()
	m.scheduleDiscard(ts)
}

// scheduleDiscard removes the per-task entry after the grace period.
func (m *Manager) scheduleDiscard(ts *taskStream) {
	time.AfterFunc(entryGrace, func() {
		ts.cancel()
		m.mu.Lock()
		if cur, ok := m.streams[ts.taskID]; ok && cur == ts {
			delete(m.streams, ts.taskID)
		}
		m.mu.Unlock()
	})
}

// ActiveStreams reports the number of live task relays.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Shutdown emits server_shutdown to every client and tears the relays down.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	streams := make([]*taskStream, 0, len(m.streams))
	for _, ts := range m.streams {
		streams = append(streams, ts)
	}
	m.streams = make(map[string]*taskStream)
	m.mu.Unlock()

	for _, ts := range streams {
		now := time.Now().UTC()
		ev := v1.StreamEvent{
			TaskID:       ts.taskID,
			Timestamp:    now,
			Source:       v1.EventSourceServer,
			RelayedBy:    v1.EventSourceServer,
			McpTimestamp: &now,
		}
		data, _ := json.Marshal(ev)
		frame := Frame{Event: string(v1.StreamEventServerShutdown), Data: data}

		ts.mu.Lock()
		clients := make([]*client, 0, len(ts.clients))
		for _, cl := range ts.clients {
			clients = append(clients, cl)
		}
		ts.clients = make(map[string]*client)
		ts.mu.Unlock()

		for _, cl := range clients {
			select {
			case cl.frames <- frame:
			default:
			}
			cl.close()
		}
		ts.cancel()
	}
}

// WriteFrames streams a subscribed client's frames onto a gin-style writer
// with per-client heartbeats. Returns when the relay closes the channel,
// the client disconnects, or a write fails.
func WriteFrames(ctx context.Context, w http.ResponseWriter, frames <-chan Frame, connectedAt time.Time, taskID string) {
	flusher, _ := w.(http.Flusher)
	write := func(event string, data []byte) error {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			now := time.Now().UTC()
			ev := v1.StreamEvent{
				TaskID:       taskID,
				Timestamp:    now,
				Source:       v1.EventSourceServer,
				UptimeMs:     time.Since(connectedAt).Milliseconds(),
				RelayedBy:    v1.EventSourceServer,
				McpTimestamp: &now,
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if werr := write(string(v1.StreamEventHeartbeat), data); werr != nil {
				return
			}

		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := write(frame.Event, frame.Data); err != nil {
				return
			}
		}
	}
}
