package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localkb/localkb/internal/kberr"
)

// startServer runs a server with the given handler and returns a connected
// client.
func startServer(t *testing.T, handler Handler) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "w.sock")
	srv := NewServer(socketPath, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var client *Client
	require.Eventually(t, func() bool {
		c, err := Dial(socketPath, 5*time.Second)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestCallRoundTrip(t *testing.T) {
	// Given a handler that echoes its params
	_, client := startServer(t, func(_ context.Context, method string, params json.RawMessage) (any, error) {
		return map[string]any{"method": method, "params": json.RawMessage(params)}, nil
	})

	// When calling twice on the same connection
	for i := 0; i < 2; i++ {
		var out struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		err := client.CallInto(context.Background(), "kb.getStats",
			map[string]string{"kbId": fmt.Sprintf("kb-%d", i)}, &out)
		require.NoError(t, err)
		assert.Equal(t, "kb.getStats", out.Method)
		assert.Contains(t, string(out.Params), fmt.Sprintf("kb-%d", i))
	}
}

func TestCallSurfacesCodedErrors(t *testing.T) {
	// Given a handler that fails with a structured error
	_, client := startServer(t, func(context.Context, string, json.RawMessage) (any, error) {
		return nil, kberr.Conflict(kberr.ErrCodeConfigMismatch, "rebuild required")
	})

	_, err := client.Call(context.Background(), "kb.buildVectorIndex", map[string]string{})
	require.Error(t, err)

	// Then the code and category survive the wire
	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, kberr.ErrCodeConfigMismatch, wireErr.Code)
	assert.Equal(t, string(kberr.CategoryConflict), wireErr.Category)
	assert.Equal(t, "rebuild required", wireErr.Message)
}

func TestCallWrapsPlainErrors(t *testing.T) {
	_, client := startServer(t, func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := client.Call(context.Background(), "anything", nil)
	require.Error(t, err)
	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, kberr.ErrCodeInternal, wireErr.Code)
	assert.Equal(t, "boom", wireErr.Message)
}

func TestEventsInterleaveWithResponses(t *testing.T) {
	// Given a handler that broadcasts an event before answering
	var srv *Server
	srv, client := startServer(t, func(context.Context, string, json.RawMessage) (any, error) {
		srv.Broadcast(EventJobUpdate, JobUpdatePayload{KBID: "kb-main", Job: map[string]string{"id": "job-1"}})
		return map[string]bool{"ok": true}, nil
	})

	var events []string
	client.OnEvent = func(event string, payload json.RawMessage) {
		events = append(events, event+":"+string(payload))
	}

	// When calling, the event arrives before the response and is routed to
	// the callback rather than confused for the result
	result, err := client.Call(context.Background(), "kb.importFiles", map[string]string{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	require.Len(t, events, 1)
	assert.Contains(t, events[0], EventJobUpdate)
	assert.Contains(t, events[0], "job-1")
}

func TestStaleSocketIsReplaced(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "w.sock")
	handler := func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	}

	// First server lifecycle
	ctx1, cancel1 := context.WithCancel(context.Background())
	srv1 := NewServer(socketPath, handler, nil)
	done1 := make(chan struct{})
	go func() { defer close(done1); _ = srv1.ListenAndServe(ctx1) }()
	require.Eventually(t, func() bool {
		c, err := Dial(socketPath, time.Second)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel1()
	<-done1

	// A second server binds the same path cleanly
	ctx2, cancel2 := context.WithCancel(context.Background())
	srv2 := NewServer(socketPath, handler, nil)
	done2 := make(chan struct{})
	go func() { defer close(done2); _ = srv2.ListenAndServe(ctx2) }()
	t.Cleanup(func() { cancel2(); <-done2 })

	var client *Client
	require.Eventually(t, func() bool {
		c, err := Dial(socketPath, time.Second)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	defer client.Close()

	_, err := client.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
}
