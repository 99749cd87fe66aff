// Package session runs one agent session against the engine: it owns the
// socket, folds inbound frames into the chat, log and file projections, and
// exposes the start / message / command / stop surface.
//
// All mutable state lives on a single event-loop goroutine. Commands and
// transport events are serialized through it, so frames are projected in
// arrival order and no field is shared without the loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/lucid/internal/bus"
	"github.com/basket/lucid/internal/otel"
	"github.com/basket/lucid/internal/shared"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnects     = 3

	// NoReconnect disables reconnection when set as Options.MaxReconnects.
	NoReconnect = -1
	DefaultWriteTimeout      = 10 * time.Second

	taskPreviewRunes = 80
)

// Log and chat texts the session produces itself.
const (
	msgConnecting      = "Connecting to AI Engine…"
	msgConnected       = "Connected"
	msgTransportError  = "WebSocket error"
	msgConnectionLost  = "Connection lost"
	msgExhausted       = "Connection lost after multiple attempts."
	msgStopped         = "Session stopped"
	msgNotConnected    = "Not connected: cannot send command"
	stopReason         = "User stopped session"
	closeOnTeardown    = "Client closed"
	msgReconnectFormat = "Reconnecting (%d/%d)…"
)

// Options configures a Session. Zero durations take the package defaults.
type Options struct {
	URL string
	// Token is read on every connection attempt so a refreshed token is used
	// by the next reconnect.
	Token         func() string
	ProjectID     string
	ModelProvider string
	RepoURL       string
	// DefaultTask is used when Start is called with an empty task.
	DefaultTask string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	// MaxReconnects is the reconnect budget. Zero means DefaultMaxReconnects;
	// NoReconnect (any negative value) turns the first unplanned close into an error.
	MaxReconnects  int
	StopOnComplete bool

	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Bus     *bus.Bus
	Now     func() time.Time
}

// Snapshot is an immutable view of the session after an event was processed.
type Snapshot struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	SessionID  string        `json:"session_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Chat       []ChatMessage `json:"chat"`
	Logs       []LogEntry    `json:"logs"`
	Files      []string      `json:"files"`
	Reconnects int           `json:"reconnects"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type command struct {
	fn   func()
	done chan struct{}
}

type eventKind int

const (
	evDialed eventKind = iota + 1
	evFrame
	evReadErr
	evWriteErr
)

type event struct {
	gen  uint64
	kind eventKind
	t    Transport
	data []byte
	err  error
	took time.Duration
}

// Session is one agent session. Create it with New; release it with Close.
type Session struct {
	id     string
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	events chan event
	done   chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	// Loop-owned from here down.
	state      State
	sessionID  string
	errMsg     string
	proj       *projections
	conn       *conn
	gen        uint64
	dialing    bool
	dialCancel context.CancelFunc
	reconnects int
	task       string
	pending    []string

	heartbeat      *time.Ticker
	reconnectTimer *time.Timer
}

// New starts the session's event loop. The loop runs until Close is called
// or ctx is cancelled.
func New(ctx context.Context, opts Options) *Session {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	switch {
	case opts.MaxReconnects == 0:
		opts.MaxReconnects = DefaultMaxReconnects
	case opts.MaxReconnects < 0:
		opts.MaxReconnects = 0
	}
	if opts.ModelProvider == "" {
		opts.ModelProvider = "google"
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	id := uuid.NewString()
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	loopCtx, cancel := context.WithCancel(shared.WithSessionID(ctx, id))
	s := &Session{
		id:     id,
		opts:   opts,
		logger: opts.Logger,
		ctx:    loopCtx,
		cancel: cancel,
		cmds:   make(chan command),
		events: make(chan event, 16),
		done:   make(chan struct{}),
		state:  StateIdle,
		proj:   newProjections(opts.Now),
	}
	s.snap = s.buildSnapshot()
	go s.loop()
	return s
}

// ID returns the local session id (distinct from the engine's sessionId).
func (s *Session) ID() string { return s.id }

// Start connects and hands task to the engine. On a live socket it behaves
// like SendMessage.
func (s *Session) Start(task string) { s.do(func() { s.start(task) }) }

// SendMessage sends a chat message, bootstrapping a session when none is open.
func (s *Session) SendMessage(text string) { s.do(func() { s.sendMessage(text) }) }

// SendCommand sends a terminal command. It requires a connected session.
func (s *Session) SendCommand(cmd string) { s.do(func() { s.sendCommand(cmd) }) }

// Stop ends the session. Safe to call repeatedly and without a live socket.
func (s *Session) Stop() { s.do(s.stop) }

// MarkWorking records that the caller observed in-flight agent activity.
func (s *Session) MarkWorking() { s.do(func() { s.transition(TriggerWorking) }) }

// Snapshot returns the latest published view.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Subscribe returns a subscription that always holds the newest snapshot.
func (s *Session) Subscribe() *bus.Subscription {
	return s.opts.Bus.SubscribeLatest(bus.TopicSessionUpdated)
}

func (s *Session) Unsubscribe(sub *bus.Subscription) { s.opts.Bus.Unsubscribe(sub) }

// Done is closed once the event loop has exited and the socket is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: heartbeat, pending reconnect and socket go
// together. It blocks until the loop has exited.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// do runs fn on the loop and waits for it. After Close it is a no-op.
func (s *Session) do(fn func()) {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return
	}
	select {
	case <-cmd.done:
	case <-s.done:
	}
}

// post hands a transport event to the loop.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		if ev.t != nil && ev.kind == evDialed {
			_ = ev.t.Close(CloseNormal, closeOnTeardown)
		}
	}
}

func (s *Session) loop() {
	defer close(s.done)
	s.logger.InfoContext(s.ctx, "session loop started")
	for {
		var heartbeat, reconnect <-chan time.Time
		if s.heartbeat != nil {
			heartbeat = s.heartbeat.C
		}
		if s.reconnectTimer != nil {
			reconnect = s.reconnectTimer.C
		}

		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case cmd := <-s.cmds:
			cmd.fn()
			s.publish()
			close(cmd.done)
		case ev := <-s.events:
			s.handleEvent(ev)
			s.publish()
		case <-heartbeat:
			s.sendHeartbeat()
		case <-reconnect:
			s.reconnectTimer = nil
			s.connect(s.task)
			s.publish()
		}
	}
}

// ---- commands ----

func (s *Session) start(task string) {
	if task == "" {
		task = s.opts.DefaultTask
	}
	if s.conn != nil {
		if task != "" {
			s.sendMessage(task)
		}
		return
	}
	if task != "" {
		s.proj.appendChat(RoleUser, task)
	}
	switch s.state {
	case StateIdle, StateError, StateStopped:
		// A fresh cycle gets a fresh reconnect budget.
		s.reconnects = 0
		s.transition(TriggerStart)
	}
	if s.dialing || s.reconnectTimer != nil {
		// Attempt already in flight: the task rides along with it.
		if s.task == "" {
			s.task = task
		} else if task != "" {
			s.pending = append(s.pending, task)
		}
		if s.dialing {
			return
		}
	} else {
		s.task = task
	}
	s.connect(s.task)
}

func (s *Session) sendMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.conn == nil {
		s.start(text)
		return
	}
	s.write(messageFrame(text))
	s.proj.appendChat(RoleUser, text)
	s.proj.appendLog(LogUser, "→ "+text)
}

func (s *Session) sendCommand(cmd string) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return
	}
	if s.conn == nil || !s.state.CanSendCommands() {
		s.proj.appendLog(LogError, msgNotConnected)
		return
	}
	s.write(messageFrame(cmd))
	s.proj.appendLog(LogUser, "$ "+cmd)
}

func (s *Session) stop() {
	live := s.conn != nil || s.dialing || s.reconnectTimer != nil
	if s.state == StateStopped && !live {
		return
	}
	s.cancelReconnect()
	s.stopHeartbeat()
	s.abandonDial()
	if s.conn != nil {
		s.write(stopFrame())
		s.detach(CloseNormal, stopReason)
	}
	s.reconnects = 0
	s.pending = nil
	s.transition(TriggerStop)
	s.proj.appendLog(LogSystem, msgStopped)
	s.logger.InfoContext(s.ctx, "session stopped by caller")
}

// ---- connection manager ----

func (s *Session) connect(task string) {
	if s.conn != nil || s.dialing {
		return
	}
	s.cancelReconnect()
	s.errMsg = ""
	s.proj.appendLog(LogSystem, msgConnecting)
	s.transition(TriggerDial)

	s.gen++
	gen := s.gen
	s.task = task
	s.dialing = true

	attemptID := shared.NewAttemptID()
	endpoint := s.endpoint()
	dialCtx, cancel := context.WithCancel(shared.WithAttemptID(s.ctx, attemptID))
	s.dialCancel = cancel
	dialCtx, span := otel.StartClientSpan(dialCtx, s.opts.Tracer, "session.dial",
		otel.AttrSessionID.String(s.id),
		otel.AttrAttemptID.String(attemptID),
	)
	s.opts.Metrics.ConnectAttempts.Add(s.ctx, 1)
	s.logger.InfoContext(dialCtx, "dialing engine", "url", shared.RedactURL(endpoint), "reconnects", s.reconnects)

	dialer := s.opts.Dialer
	go func() {
		defer span.End()
		began := time.Now()
		t, err := dialer.Dial(dialCtx, endpoint)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dial failed")
		}
		s.post(event{gen: gen, kind: evDialed, t: t, err: err, took: time.Since(began)})
	}()
}

// endpoint appends the current token as a query parameter when one is set.
func (s *Session) endpoint() string {
	token := s.opts.Token()
	if token == "" {
		return s.opts.URL
	}
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return s.opts.URL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) handleEvent(ev event) {
	if ev.gen != s.gen {
		// Superseded attempt. Drop it and release anything it opened.
		if ev.kind == evDialed && ev.t != nil {
			go ev.t.Close(CloseNormal, "superseded")
		}
		s.logger.DebugContext(s.ctx, "dropping stale transport event", "gen", ev.gen, "current", s.gen)
		return
	}
	switch ev.kind {
	case evDialed:
		s.onDialed(ev)
	case evFrame:
		s.onFrame(ev.data)
	case evReadErr:
		code, reason, ok := closeInfo(ev.err)
		if !ok {
			s.logger.WarnContext(s.ctx, "engine socket failed", "error", ev.err)
			s.proj.appendLog(LogError, msgTransportError)
			code = closeAbnormal
		}
		s.onClose(code, reason)
	case evWriteErr:
		s.logger.WarnContext(s.ctx, "engine write failed", "error", ev.err)
	}
}

func (s *Session) onDialed(ev event) {
	s.dialing = false
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if ev.err != nil {
		s.logger.WarnContext(s.ctx, "engine dial failed", "error", ev.err, "took", ev.took)
		s.proj.appendLog(LogError, msgTransportError)
		s.onClose(closeAbnormal, "")
		return
	}
	s.opts.Metrics.ConnectDuration.Record(s.ctx, ev.took.Seconds())

	// Socket I/O gets its own context: cancelling a read aborts the socket
	// without a close frame, and teardown must close it with a code.
	readCtx, stopRead := context.WithCancel(context.Background())
	c := newConn(ev.gen, ev.t, stopRead)
	s.conn = c
	go s.readLoop(readCtx, c)
	go s.writeLoop(readCtx, c)

	s.reconnects = 0
	s.transition(TriggerOpen)
	s.proj.appendLog(LogSystem, msgConnected)
	s.startHeartbeat()
	s.logger.InfoContext(s.ctx, "engine connected", "took", ev.took)

	s.write(Handshake{
		Token:         s.opts.Token(),
		ProjectID:     s.opts.ProjectID,
		ModelProvider: s.opts.ModelProvider,
		RepoURL:       s.opts.RepoURL,
		Task:          s.task,
	})
	if s.task != "" {
		s.proj.appendLog(LogUser, "Task sent: "+truncateRunes(s.task, taskPreviewRunes)+"…")
	}
	for _, msg := range s.pending {
		s.write(messageFrame(msg))
		s.proj.appendLog(LogUser, "→ "+msg)
	}
	s.pending = nil
}

func (s *Session) onFrame(data []byte) {
	out := Classify(data)
	frameType := out.FrameType
	if frameType == "" {
		frameType = "invalid"
	}
	s.opts.Metrics.FramesReceived.Add(s.ctx, 1, metric.WithAttributes(otel.AttrFrameType.String(frameType)))
	s.logger.DebugContext(s.ctx, "frame received", "type", frameType, "updates", len(out.Updates))

	for _, u := range out.Updates {
		s.proj.apply(u)
	}
	if out.SessionID != "" {
		s.sessionID = out.SessionID
	}
	if out.HasError {
		s.errMsg = out.Error
	}
	if out.Trigger != "" {
		s.transition(out.Trigger)
	}
	if out.Completed && s.opts.StopOnComplete {
		s.stop()
	}
}

func (s *Session) onClose(code int, reason string) {
	s.stopHeartbeat()
	if s.conn != nil {
		s.detach(code, reason)
	}
	s.logger.InfoContext(s.ctx, "engine socket closed", "code", code, "reason", reason)

	if IsAdministrativeClose(code) {
		s.transition(TriggerAdminClose)
		label := reason
		if label == "" {
			label = strconv.Itoa(code)
		}
		s.proj.appendLog(LogSystem, "Session ended ("+label+")")
		return
	}

	if s.reconnects < s.opts.MaxReconnects {
		s.reconnects++
		s.opts.Metrics.Reconnects.Add(s.ctx, 1, metric.WithAttributes(otel.AttrCloseCode.Int(code)))
		s.proj.appendLog(LogSystem, fmt.Sprintf(msgReconnectFormat, s.reconnects, s.opts.MaxReconnects))
		s.reconnectTimer = time.NewTimer(s.opts.ReconnectDelay)
		return
	}

	s.transition(TriggerExhausted)
	s.errMsg = msgExhausted
	s.proj.appendLog(LogError, msgConnectionLost)
	s.logger.ErrorContext(s.ctx, "reconnect budget exhausted", "max", s.opts.MaxReconnects)
}

// detach drops the current connection and closes its socket in the
// background. Events still in flight from it are stale from here on.
func (s *Session) detach(code int, reason string) <-chan struct{} {
	c := s.conn
	s.conn = nil
	s.gen++
	return c.shutdown(code, reason, s.opts.WriteTimeout)
}

func (s *Session) abandonDial() {
	if !s.dialing {
		return
	}
	s.dialing = false
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.gen++
}

func (s *Session) write(v any) {
	if s.conn == nil {
		return
	}
	if err := s.conn.send(v); err != nil {
		s.logger.WarnContext(s.ctx, "dropping outbound frame", "type", frameType(v), "error", err)
		return
	}
	s.opts.Metrics.FramesSent.Add(s.ctx, 1, metric.WithAttributes(otel.AttrFrameType.String(frameType(v))))
}

func (s *Session) readLoop(ctx context.Context, c *conn) {
	for {
		data, err := c.t.Read(ctx)
		if err != nil {
			s.post(event{gen: c.gen, kind: evReadErr, err: err})
			return
		}
		s.post(event{gen: c.gen, kind: evFrame, data: data})
	}
}

func (s *Session) writeLoop(ctx context.Context, c *conn) {
	defer close(c.writerDone)
	for v := range c.out {
		wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
		err := c.t.Write(wctx, v)
		cancel()
		if err != nil {
			s.post(event{gen: c.gen, kind: evWriteErr, err: err})
		}
	}
}

func (s *Session) startHeartbeat() {
	s.stopHeartbeat()
	s.heartbeat = time.NewTicker(s.opts.HeartbeatInterval)
}

func (s *Session) stopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

func (s *Session) sendHeartbeat() {
	if s.conn == nil {
		return
	}
	s.write(pingFrame())
}

func (s *Session) cancelReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) teardown() {
	s.cancelReconnect()
	s.stopHeartbeat()
	s.abandonDial()
	if s.conn != nil {
		done := s.detach(CloseNormal, closeOnTeardown)
		timer := time.NewTimer(s.opts.WriteTimeout)
		select {
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
	s.publish()
	s.opts.Bus.Publish(bus.TopicSessionClosed, s.Snapshot())
	s.logger.InfoContext(s.ctx, "session loop exited", "state", s.state)
}

// ---- state ----

func (s *Session) transition(t Trigger) bool {
	next, ok := Apply(s.state, t)
	if !ok {
		s.opts.Metrics.RejectedTransition.Add(s.ctx, 1, metric.WithAttributes(
			otel.AttrTrigger.String(string(t)),
			attribute.String("lucid.state", string(s.state)),
		))
		s.logger.WarnContext(s.ctx, "rejected state transition", "state", s.state, "trigger", t)
		return false
	}
	prev := s.state
	s.state = next
	if prev != next {
		s.logger.InfoContext(s.ctx, "session state changed", "from", prev, "to", next, "trigger", t)
		s.opts.Bus.Publish(bus.TopicSessionState, bus.StateChangedEvent{
			SessionID: s.id,
			From:      string(prev),
			To:        string(next),
			Trigger:   string(t),
		})
	}
	return true
}

// buildSnapshot shares the projection arrays. They are append-only (a files
// replace allocates a new array), so capping len and cap keeps readers from
// ever observing later writes.
func (s *Session) buildSnapshot() Snapshot {
	chat, logs, files := s.proj.chat, s.proj.logs, s.proj.files
	return Snapshot{
		ID:         s.id,
		State:      s.state,
		SessionID:  s.sessionID,
		Error:      s.errMsg,
		Chat:       chat[:len(chat):len(chat)],
		Logs:       logs[:len(logs):len(logs)],
		Files:      files[:len(files):len(files)],
		Reconnects: s.reconnects,
		UpdatedAt:  s.opts.Now(),
	}
}

func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
	s.opts.Bus.Publish(bus.TopicSessionUpdated, snap)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
