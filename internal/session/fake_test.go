package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	in      chan []byte
	remote  chan *CloseError
	writes  chan any
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []any
	code    int
	reason  string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		remote: make(chan *CloseError, 1),
		writes: make(chan any, 256),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case ce := <-f.remote:
		return nil, ce
	case <-f.done:
		return nil, errors.New("use of closed transport")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, v any) error {
	select {
	case <-f.done:
		return ErrNotOpen
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, v)
	f.mu.Unlock()
	select {
	case f.writes <- v:
	default:
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeTransport) push(frame string) { f.in <- []byte(frame) }

func (f *fakeTransport) closeFromServer(code int, reason string) {
	f.remote <- &CloseError{Code: code, Reason: reason}
}

func (f *fakeTransport) closedWith() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason
}

func (f *fakeTransport) allWrites() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.written...)
}

type fakeDialer struct {
	fail   error
	dialed chan *fakeTransport

	mu   sync.Mutex
	urls []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	t := newFakeTransport()
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

func nextWrite(t *testing.T, tr *fakeTransport) any {
	t.Helper()
	select {
	case v := <-tr.writes:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
		return nil
	}
}

func waitFor(t *testing.T, s *Session, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state=%s logs=%v", what, snap.State, logContents(snap))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func logContents(snap Snapshot) []string {
	out := make([]string, 0, len(snap.Logs))
	for _, e := range snap.Logs {
		out = append(out, e.Content)
	}
	return out
}

func hasLog(snap Snapshot, typ LogType, content string) bool {
	for _, e := range snap.Logs {
		if e.Type == typ && e.Content == content {
			return true
		}
	}
	return false
}

func countLogs(snap Snapshot, typ LogType, content string) int {
	n := 0
	for _, e := range snap.Logs {
		if e.Type == typ && e.Content == content {
			n++
		}
	}
	return n
}

func testOptions(d Dialer) Options {
	return Options{
		URL:               "ws://engine.test/api/v1/ws",
		Token:             func() string { return "tok" },
		ProjectID:         "proj-1",
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    20 * time.Millisecond,
		WriteTimeout:      time.Second,
		MaxReconnects:     3,
		Dialer:            d,
	}
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s := New(context.Background(), opts)
	t.Cleanup(s.Close)
	return s
}

// openSession starts a session and returns it once the socket is open and the
// handshake has been written.
func openSession(t *testing.T, opts Options, task string) (*Session, *fakeDialer, *fakeTransport) {
	t.Helper()
	d := newFakeDialer()
	opts.Dialer = d
	s := newTestSession(t, opts)
	s.Start(task)
	tr := d.next(t)
	if _, ok := nextWrite(t, tr).(Handshake); !ok {
		t.Fatalf("first frame was not the handshake")
	}
	waitFor(t, s, "connected", func(sn Snapshot) bool { return sn.State == StateConnected })
	return s, d, tr
}
