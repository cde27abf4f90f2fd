package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/seantiz/streamharness/internal/model"
)

// Defaults for reservation polling.
const (
	DefaultTimeout    = 60 * time.Second
	reserveBaseDelay  = 100 * time.Millisecond
	reserveMaxDelay   = 2 * time.Second
	maxErrorBodyBytes = 4 << 10
)

// State is the reservation state of a Client.
type State int

const (
	Unreserved State = iota
	Reserved
	Released
)

func (s State) String() string {
	switch s {
	case Unreserved:
		return "unreserved"
	case Reserved:
		return "reserved"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Client.
type Options struct {
	// BaseURL is the pool service root, e.g. http://127.0.0.1:8090.
	BaseURL string
	// Timeout bounds how long Reserve waits for a grant.
	Timeout time.Duration
	// Holder identifies this process in reservations.
	Holder     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the fixture pool service on behalf of one harness.
type Client struct {
	baseURL string
	timeout time.Duration
	holder  string
	http    *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	pool        string
	state       State
	busy        bool
	reservation *model.Reservation
}

// New creates a client. Zero options select the package defaults.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL: opts.BaseURL,
		timeout: opts.Timeout,
		holder:  opts.Holder,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
	}
}

// InstantiatePool binds the client to a named pool. It may be called once,
// before the first reservation.
func (c *Client) InstantiatePool(name string) error {
	if name == "" {
		return fmt.Errorf("instantiate pool: name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != "" {
		return fmt.Errorf("instantiate pool %q: %w (bound to %q)", name, ErrPoolAlreadyInstantiated, c.pool)
	}
	c.pool = name
	return nil
}

// Pool returns the bound pool name.
func (c *Client) Pool() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

// State returns the current reservation state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reservation returns the live reservation, or nil.
func (c *Client) Reservation() *model.Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Reserved {
		return nil
	}
	r := *c.reservation
	return &r
}

// Reserve blocks until the service grants a user, polling with backoff while
// the pool is exhausted. It fails with ErrPoolExhausted or ErrPoolUnavailable
// once the client timeout elapses.
func (c *Client) Reserve(ctx context.Context) (*model.Reservation, error) {
	c.mu.Lock()
	switch {
	case c.pool == "":
		c.mu.Unlock()
		return nil, ErrPoolNotInstantiated
	case c.state == Reserved || c.busy:
		c.mu.Unlock()
		return nil, fmt.Errorf("reserve from %q: %w", c.pool, ErrAlreadyReserved)
	}
	c.busy = true
	pool := c.pool
	c.mu.Unlock()

	res, err := c.poll(ctx, pool)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if err != nil {
		return nil, err
	}
	c.state = Reserved
	c.reservation = res
	c.logger.Info("pool user reserved", "pool", pool, "reservation_id", res.ID, "user_id", res.UserID)

	out := *res
	return &out, nil
}

func (c *Client) poll(ctx context.Context, pool string) (*model.Reservation, error) {
	deadline := time.Now().Add(c.timeout)
	delay := reserveBaseDelay
	exhausted := false
	var lastErr error

	for attempt := 1; ; attempt++ {
		res, status, err := c.tryReserve(ctx, pool)
		switch {
		case err == nil:
			return res, nil
		case ctx.Err() != nil:
			return nil, fmt.Errorf("reserve from %q: %w", pool, ctx.Err())
		case status == http.StatusConflict:
			exhausted = true
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("reserve from %q: %w: %v", pool, ErrPoolUnavailable, err)
		default:
			exhausted = false
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if exhausted {
				return nil, fmt.Errorf("reserve from %q after %d attempts: %w", pool, attempt, ErrPoolExhausted)
			}
			return nil, fmt.Errorf("reserve from %q after %d attempts: %w: %v", pool, attempt, ErrPoolUnavailable, lastErr)
		}

		c.logger.Debug("pool reservation pending", "pool", pool, "attempt", attempt, "exhausted", exhausted)
		wait := min(delay, remaining)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("reserve from %q: %w", pool, ctx.Err())
		}
		delay = min(delay*2, reserveMaxDelay)
	}
}

// tryReserve makes one reservation attempt. A non-nil error comes with the
// HTTP status when the service answered.
func (c *Client) tryReserve(ctx context.Context, pool string) (*model.Reservation, int, error) {
	body, err := json.Marshal(map[string]string{"holder": c.holder})
	if err != nil {
		return nil, 0, err
	}
	endpoint := c.baseURL + "/v1/pools/" + url.PathEscape(pool) + "/reservations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, resp.StatusCode, responseError(resp)
	}
	var res model.Reservation
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode reservation: %w", err)
	}
	return &res, resp.StatusCode, nil
}

// Release returns the reserved user to the pool. It is a no-op when nothing
// is reserved. The client is Released afterwards even when the service call
// fails; the service lease reclaims the user in that case.
func (c *Client) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Reserved {
		c.mu.Unlock()
		return nil
	}
	res := c.reservation
	c.state = Released
	c.reservation = nil
	c.mu.Unlock()

	endpoint := c.baseURL + "/v1/reservations/" + url.PathEscape(res.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("release %s: %w", res.ID, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("release %s: %w: %v", res.ID, ErrPoolUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
	case http.StatusNotFound:
		c.logger.Warn("reservation already gone", "reservation_id", res.ID)
	default:
		return fmt.Errorf("release %s: %w: %v", res.ID, ErrPoolUnavailable, responseError(resp))
	}

	c.logger.Info("pool user released", "pool", res.Pool, "reservation_id", res.ID)
	return nil
}

// UploadDiagnosticCache bundles dir and uploads it under suite. Every failure
// wraps ErrUploadFailed.
func (c *Client) UploadDiagnosticCache(ctx context.Context, suite, dir string) (*model.CacheBundle, error) {
	var buf bytes.Buffer
	if err := WriteBundle(&buf, dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	q := url.Values{}
	q.Set("suite", suite)
	c.mu.Lock()
	if c.pool != "" {
		q.Set("pool", c.pool)
	}
	if c.reservation != nil {
		q.Set("reservation_id", c.reservation.ID)
	}
	c.mu.Unlock()

	size := buf.Len()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/cache?"+q.Encode(), &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, responseError(resp))
	}
	var bundle model.CacheBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrUploadFailed, err)
	}

	c.logger.Info("diagnostic cache uploaded", "suite", suite, "bundle_id", bundle.ID, "size_bytes", size)
	return &bundle, nil
}

// responseError turns a non-success response into an error carrying the
// service's message.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
