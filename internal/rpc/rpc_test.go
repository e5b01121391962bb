package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func newPipePair(t *testing.T) (*Client, *Server) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	client := NewClient(clientConn, nil)
	server := NewServer(serverConn, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverConn.Close()
	})
	return client, server
}

func TestCallRoundTrip(t *testing.T) {
	client, server := newPipePair(t)
	server.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var payload map[string]string
		if err := json.Unmarshal(params, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx) //nolint:errcheck

	data, err := client.Call(ctx, "echo", map[string]string{"value": "ping"})
	if err != nil {
		t.Fatalf("unexpected call error: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded["value"] != "ping" {
		t.Fatalf("unexpected echo payload %#v", decoded)
	}
}

func TestUnknownOperationIsRemoteError(t *testing.T) {
	client, server := newPipePair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx) //nolint:errcheck

	if _, err := client.Call(ctx, "missing", nil); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestHandlerErrorIsRemoteError(t *testing.T) {
	client, server := newPipePair(t)
	server.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("handler exploded")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx) //nolint:errcheck

	_, err := client.Call(ctx, "boom", nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestPushEventReachesClient(t *testing.T) {
	client, server := newPipePair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx) //nolint:errcheck

	type jobEvent struct {
		JobID string `json:"jobId"`
	}
	if err := server.PushEvent(jobEvent{JobID: "job-1"}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	select {
	case raw := <-client.Events():
		var event jobEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if event.JobID != "job-1" {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestTransportFailureRejectsAllPendingCalls(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client := NewClient(clientConn, nil)
	t.Cleanup(func() { _ = client.Close() })

	// Drain the request frames so both calls are in flight, then kill the
	// transport without ever answering.
	go func() {
		buffer := make([]byte, 4096)
		for i := 0; i < 2; i++ {
			if _, err := serverConn.Read(buffer); err != nil {
				return
			}
		}
		serverConn.Close()
	}()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Call(context.Background(), "never-answered", nil)
			results <- err
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				t.Fatalf("expected pending call to be rejected")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for pending call rejection")
		}
	}

	if _, err := client.Call(context.Background(), "after-failure", nil); err == nil {
		t.Fatalf("expected calls after transport failure to fail fast")
	}
}

func TestMonotonicRequestIDs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client := NewClient(clientConn, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverConn.Close()
	})

	decoder := json.NewDecoder(serverConn)
	encoder := json.NewEncoder(serverConn)
	seen := make(chan uint64, 3)
	go func() {
		for i := 0; i < 3; i++ {
			var frame envelope
			if err := decoder.Decode(&frame); err != nil {
				return
			}
			if frame.ID != nil {
				seen <- *frame.ID
				_ = encoder.Encode(envelope{ID: frame.ID, Response: &Response{Success: true}})
			}
		}
	}()

	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), "noop", nil); err != nil {
			t.Fatalf("unexpected call error: %v", err)
		}
	}

	var previous uint64
	for i := 0; i < 3; i++ {
		id := <-seen
		if id <= previous {
			t.Fatalf("expected strictly increasing ids, got %d after %d", id, previous)
		}
		previous = id
	}
}
