package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Retry defaults for connecting to a freshly spawned engine host.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 50 * time.Millisecond
)

// Compile-time interface satisfaction check.
var _ Engine = (*Client)(nil)

// Client speaks the framed protocol to an engine host. Incoming events are
// dispatched from a single read goroutine, so handlers observe them in the
// order the host wrote them.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	nextID     uint64
	pending    map[uint64]chan Reply
	onSignal   func(RawSignal)
	onProgress func(RawProgress)
	closed     bool
	closing    bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial connects to the engine host listening on the Unix socket at path.
// Retries with exponential backoff while the host is starting up.
func Dial(ctx context.Context, path string, logger *slog.Logger) (*Client, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return NewClient(conn, logger), nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial engine host: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial engine host after %d attempts: %w", dialMaxRetries, lastErr)
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closing = true
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	<-c.done
	return c.closeErr
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.failPending()

	for {
		var msg Message
		if err := ReadMessage(c.conn, &msg); err != nil {
			c.mu.Lock()
			closing := c.closing
			c.closed = true
			c.mu.Unlock()
			if !closing {
				c.logger.Warn("engine connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case MsgTypeSignal:
			if msg.Signal == nil {
				continue
			}
			c.mu.Lock()
			fn := c.onSignal
			c.mu.Unlock()
			if fn != nil {
				fn(*msg.Signal)
			}
		case MsgTypeProgress:
			if msg.Progress == nil {
				continue
			}
			c.mu.Lock()
			fn := c.onProgress
			c.mu.Unlock()
			if fn != nil {
				fn(*msg.Progress)
			}
		case MsgTypeReply:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("reply for unknown call", "id", msg.ID)
				continue
			}
			reply := Reply{}
			if msg.Reply != nil {
				reply = *msg.Reply
			}
			ch <- reply
		default:
			c.logger.Debug("ignoring engine message", "type", msg.Type)
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// send writes a fire-and-forget request.
func (c *Client) send(ctx context.Context, method string, args any) error {
	return c.write(ctx, 0, method, args)
}

func (c *Client) write(ctx context.Context, id uint64, method string, args any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}

	req := Request{ID: id, Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", method, err)
		}
		req.Args = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := WriteMessage(c.conn, &req); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// call writes a request and waits for its reply.
func (c *Client) call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	ch := make(chan Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrClosed)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, id, method, args); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if reply.Error != "" {
			return nil, &RemoteError{Method: method, Message: reply.Error}
		}
		return reply.Value, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// ConnectOutputSignals installs fn as the output-signal handler and asks the
// host to start emitting signals.
func (c *Client) ConnectOutputSignals(ctx context.Context, fn func(RawSignal)) (func() error, error) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()

	if err := c.send(ctx, MethodConnectOutputSignals, nil); err != nil {
		c.mu.Lock()
		c.onSignal = nil
		c.mu.Unlock()
		return nil, err
	}

	return func() error {
		c.mu.Lock()
		c.onSignal = nil
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := c.send(ctx, MethodRemoveCallback, nil)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}, nil
}

// ConnectAutoConfig installs fn as the progress handler and initializes the
// host's auto-configuration session.
func (c *Client) ConnectAutoConfig(ctx context.Context, fn func(RawProgress)) (func() error, error) {
	c.mu.Lock()
	c.onProgress = fn
	c.mu.Unlock()

	if err := c.send(ctx, MethodInitializeAutoConfig, nil); err != nil {
		c.mu.Lock()
		c.onProgress = nil
		c.mu.Unlock()
		return nil, err
	}

	return func() error {
		c.mu.Lock()
		c.onProgress = nil
		c.mu.Unlock()
		return nil
	}, nil
}

func (c *Client) StartStreaming(ctx context.Context) error {
	return c.send(ctx, MethodStartStreaming, nil)
}

func (c *Client) StopStreaming(ctx context.Context, force bool) error {
	return c.send(ctx, MethodStopStreaming, StopArgs{Force: force})
}

func (c *Client) StartRecording(ctx context.Context) error {
	return c.send(ctx, MethodStartRecording, nil)
}

func (c *Client) StopRecording(ctx context.Context) error {
	return c.send(ctx, MethodStopRecording, nil)
}

func (c *Client) StartReplayBuffer(ctx context.Context) error {
	return c.send(ctx, MethodStartReplayBuffer, nil)
}

func (c *Client) StopReplayBuffer(ctx context.Context, force bool) error {
	return c.send(ctx, MethodStopReplayBuffer, StopArgs{Force: force})
}

func (c *Client) ProcessReplayBufferHotkey(ctx context.Context) error {
	return c.send(ctx, MethodProcessReplayBufferHotkey, nil)
}

func (c *Client) StartBandwidthTest(ctx context.Context) error {
	return c.send(ctx, MethodStartBandwidthTest, nil)
}

func (c *Client) StartStreamEncoderTest(ctx context.Context) error {
	return c.send(ctx, MethodStartStreamEncoderTest, nil)
}

func (c *Client) StartRecordingEncoderTest(ctx context.Context) error {
	return c.send(ctx, MethodStartRecordingEncoderTest, nil)
}

func (c *Client) StartCheckSettings(ctx context.Context) error {
	return c.send(ctx, MethodStartCheckSettings, nil)
}

func (c *Client) StartSaveStreamSettings(ctx context.Context) error {
	return c.send(ctx, MethodStartSaveStreamSettings, nil)
}

func (c *Client) StartSaveSettings(ctx context.Context) error {
	return c.send(ctx, MethodStartSaveSettings, nil)
}

func (c *Client) StartSetDefaultSettings(ctx context.Context) error {
	return c.send(ctx, MethodStartSetDefaultSettings, nil)
}

func (c *Client) TerminateAutoConfig(ctx context.Context) error {
	return c.send(ctx, MethodTerminateAutoConfig, nil)
}

// GetLastReplay returns the path of the most recently saved replay.
func (c *Client) GetLastReplay(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, MethodGetLastReplay, nil)
	if err != nil {
		return "", err
	}
	var path string
	if err := json.Unmarshal(raw, &path); err != nil {
		return "", fmt.Errorf("decode last replay: %w", err)
	}
	return path, nil
}

// GetSetting reads one engine setting.
func (c *Client) GetSetting(ctx context.Context, category, key string) (any, error) {
	raw, err := c.call(ctx, MethodGetSetting, SettingArgs{Category: category, Key: key})
	if err != nil {
		return nil, err
	}
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s.%s: %w", category, key, err)
	}
	return v, nil
}

// SetSetting writes one engine setting and waits for the host to apply it.
func (c *Client) SetSetting(ctx context.Context, category, key string, value any) error {
	_, err := c.call(ctx, MethodSetSetting, SettingArgs{Category: category, Key: key, Value: value})
	return err
}

// DecodeValue decodes a JSON setting value. Integral numbers become int64 and
// other numbers float64.
func DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	}
	return v, nil
}
