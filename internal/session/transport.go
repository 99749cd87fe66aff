package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Close codes the engine uses for deliberate termination. No reconnect follows them.
const (
	CloseNormal       = 1000
	CloseTaskMissing  = 4001
	CloseAuthRejected = 4010

	// closeAbnormal stands in for closes that carried no close frame.
	closeAbnormal = 1006
)

// IsAdministrativeClose reports whether code ends the session without retry.
func IsAdministrativeClose(code int) bool {
	switch code {
	case CloseNormal, CloseTaskMissing, CloseAuthRejected:
		return true
	}
	return false
}

// ErrNotOpen is returned for writes on a transport that has been shut down.
var ErrNotOpen = errors.New("session: transport not open")

// Transport is one live socket. Read is called from a single goroutine and
// Write from another; Close may be called from any goroutine.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, v any) error
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// CloseError is returned by Read when the peer closed the socket with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("socket closed: code=%d reason=%q", e.Code, e.Reason)
}

// closeInfo extracts the close code and reason from a read error. ok is false
// when the error is not a close (network failure, reset, timeout).
func closeInfo(err error) (code int, reason string, ok bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, true
	}
	var wce websocket.CloseError
	if errors.As(err, &wce) {
		return int(wce.Code), wce.Reason, true
	}
	return 0, "", false
}

// WSDialer dials the engine with coder/websocket.
type WSDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

const defaultReadLimit = 4 << 20

func (d WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			var ce websocket.CloseError
			errors.As(err, &ce)
			return nil, &CloseError{Code: int(code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, v any) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// conn is the single-owner handle for one connection attempt. Only the event
// loop touches its fields; the reader and writer goroutines talk back through
// the loop's event channel.
type conn struct {
	gen  uint64
	t    Transport
	out  chan any
	stop context.CancelFunc

	writerDone chan struct{}
	closed     bool
}

const outboundQueue = 64

func newConn(gen uint64, t Transport, stop context.CancelFunc) *conn {
	return &conn{
		gen:        gen,
		t:          t,
		out:        make(chan any, outboundQueue),
		stop:       stop,
		writerDone: make(chan struct{}),
	}
}

// send queues v for the writer goroutine. It never blocks.
func (c *conn) send(v any) error {
	if c.closed {
		return ErrNotOpen
	}
	select {
	case c.out <- v:
		return nil
	default:
		return fmt.Errorf("outbound queue full (%d frames)", outboundQueue)
	}
}

// shutdown stops accepting frames, lets the writer drain for up to
// drainTimeout, then closes the socket with code. The returned channel is
// closed once the socket close has returned.
func (c *conn) shutdown(code int, reason string, drainTimeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if c.closed {
		close(done)
		return done
	}
	c.closed = true
	close(c.out)
	go func() {
		defer close(done)
		timer := time.NewTimer(drainTimeout)
		select {
		case <-c.writerDone:
		case <-timer.C:
		}
		timer.Stop()
		_ = c.t.Close(code, reason)
		c.stop()
	}()
	return done
}
