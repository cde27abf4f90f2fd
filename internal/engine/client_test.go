package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/seantiz/streamharness/internal/engine"
)

// fakeHost reads requests from one end of a pipe and hands them to the test.
type fakeHost struct {
	conn     net.Conn
	requests chan engine.Request
}

func newPipe(t *testing.T) (*engine.Client, *fakeHost) {
	t.Helper()
	clientConn, hostConn := net.Pipe()

	h := &fakeHost{conn: hostConn, requests: make(chan engine.Request, 16)}
	go func() {
		defer close(h.requests)
		for {
			var req engine.Request
			if err := engine.ReadMessage(hostConn, &req); err != nil {
				return
			}
			h.requests <- req
		}
	}()

	c := engine.NewClient(clientConn, slog.New(slog.DiscardHandler))
	t.Cleanup(func() {
		c.Close()
		hostConn.Close()
	})
	return c, h
}

func (h *fakeHost) next(t *testing.T) engine.Request {
	t.Helper()
	select {
	case req, ok := <-h.requests:
		if !ok {
			t.Fatal("host connection closed")
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	return engine.Request{}
}

func (h *fakeHost) send(t *testing.T, msg engine.Message) {
	t.Helper()
	if err := engine.WriteMessage(h.conn, &msg); err != nil {
		t.Fatalf("host write: %v", err)
	}
}

func TestCommandsAreFireAndForget(t *testing.T) {
	c, h := newPipe(t)
	ctx := context.Background()

	if err := c.StopStreaming(ctx, true); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}

	req := h.next(t)
	if req.ID != 0 {
		t.Errorf("ID = %d, want 0 for a command", req.ID)
	}
	if req.Method != engine.MethodStopStreaming {
		t.Errorf("Method = %q, want %q", req.Method, engine.MethodStopStreaming)
	}
	var args engine.StopArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if !args.Force {
		t.Error("Force = false, want true")
	}
}

func TestSignalsDispatchedInOrder(t *testing.T) {
	c, h := newPipe(t)
	ctx := context.Background()

	got := make(chan engine.RawSignal, 4)
	cancel, err := c.ConnectOutputSignals(ctx, func(s engine.RawSignal) { got <- s })
	if err != nil {
		t.Fatalf("ConnectOutputSignals: %v", err)
	}
	if req := h.next(t); req.Method != engine.MethodConnectOutputSignals {
		t.Fatalf("Method = %q, want %q", req.Method, engine.MethodConnectOutputSignals)
	}

	for _, s := range []string{"stopping", "stop", "wrote"} {
		h.send(t, engine.Message{Type: engine.MsgTypeSignal, Signal: &engine.RawSignal{Type: "recording", Signal: s}})
	}
	for _, want := range []string{"stopping", "stop", "wrote"} {
		select {
		case s := <-got:
			if s.Signal != want {
				t.Errorf("signal = %q, want %q", s.Signal, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	if err := cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if req := h.next(t); req.Method != engine.MethodRemoveCallback {
		t.Errorf("Method = %q, want %q", req.Method, engine.MethodRemoveCallback)
	}
}

func TestGetSettingRoundTrip(t *testing.T) {
	c, h := newPipe(t)

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.GetSetting(context.Background(), "Output", "VBitrate")
		done <- result{v, err}
	}()

	req := h.next(t)
	if req.ID == 0 {
		t.Fatal("settings call must carry an id")
	}
	h.send(t, engine.Message{Type: engine.MsgTypeReply, ID: req.ID, Reply: &engine.Reply{Value: json.RawMessage(`2500`)}})

	r := <-done
	if r.err != nil {
		t.Fatalf("GetSetting: %v", r.err)
	}
	if r.v != int64(2500) {
		t.Errorf("value = %#v, want int64(2500)", r.v)
	}
}

func TestCallReportsRemoteError(t *testing.T) {
	c, h := newPipe(t)

	done := make(chan error, 1)
	go func() {
		done <- c.SetSetting(context.Background(), "Output", "Mode", "Advanced")
	}()

	req := h.next(t)
	h.send(t, engine.Message{Type: engine.MsgTypeReply, ID: req.ID, Reply: &engine.Reply{Error: "read-only"}})

	err := <-done
	var remote *engine.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Method != engine.MethodSetSetting || remote.Message != "read-only" {
		t.Errorf("remote = %+v", remote)
	}
}

func TestPendingCallFailsWhenHostGoesAway(t *testing.T) {
	c, h := newPipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetLastReplay(context.Background())
		done <- err
	}()

	h.next(t)
	h.conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail")
	}

	<-c.Done()
	if err := c.StartRecording(context.Background()); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("StartRecording after close = %v, want ErrClosed", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	c, h := newPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetSetting(ctx, "Output", "Mode")
		done <- err
	}()
	h.next(t)

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
