package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrDisconnected is returned once the connection is closed by either side.
var ErrDisconnected = errors.New("websocket disconnected")

// Config controls timeouts and limits of a connection.
type Config struct {
	// WriteWait bounds a single write.
	WriteWait time.Duration

	// PongWait is the time allowed between pongs before the peer is considered gone.
	PongWait time.Duration

	// PingPeriod is the interval between pings. Must be less than PongWait.
	PingPeriod time.Duration

	// MaxMessageSize is the largest inbound frame accepted.
	MaxMessageSize int64

	// AllowedOrigins lists accepted Origin headers. Empty means same origin only.
	AllowedOrigins []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
}

// Conn is a websocket connection usable as a fanout.Transport.
type Conn struct {
	conn *websocket.Conn
	cfg  Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an established websocket connection.
func New(conn *websocket.Conn, cfg Config) *Conn {
	cfg.setDefaults()

	return &Conn{
		conn:   conn,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
}

// Upgrade upgrades an HTTP request to a websocket connection.
//
// Parameters:
//   - w, r: The request being upgraded
//   - cfg: Connection settings
//
// Returns:
//   - *Conn: Wrapped connection
//   - error: Upgrade failure; a response has already been written
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}

	return New(conn, cfg), nil
}

// SendText writes message as a single text frame.
//
// The write deadline is the earlier of WriteWait and ctx's deadline. A failed
// write leaves the connection unusable; callers treat it as disconnected.
func (c *Conn) SendText(ctx context.Context, message string) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(c.deadline(ctx))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}

	return nil
}

// Close sends a close frame and closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})

	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// ReadLoop reads text frames and passes them to fn until the connection ends.
//
// It also pings the peer every PingPeriod. Cancelling ctx closes the
// connection.
//
// Returns:
//   - error: ErrDisconnected when either side closed, ctx.Err() on
//     cancellation, or the read error
func (c *Conn) ReadLoop(ctx context.Context, fn func(ctx context.Context, message string)) error {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()
	go c.keepAlive(stop)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return c.readError(ctx, err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		fn(ctx, string(data))
	}
}

func (c *Conn) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return ErrDisconnected
	}

	return fmt.Errorf("websocket read: %w", err)
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.cfg.WriteWait)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}

	return d
}
