package opcworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"opclink/opcda"
)

func startTestWorker(t *testing.T, conn *fakeConnector, opts ...Option) *Worker {
	t.Helper()
	w, err := Start(conn, opts...)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestWorkerLifecycle(t *testing.T) {
	conn := &fakeConnector{available: []string{"Matrikon.OPC.Simulation.1", "Kepware.KEPServerEX.V6"}}
	tc := &fakeThreadContext{}

	w, err := Start(conn, WithThreadContext(tc))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	servers, err := w.ListServers(context.Background(), "localhost")
	if err != nil {
		t.Fatalf("ListServers() error: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("ListServers() returned %d servers, want 2", len(servers))
	}

	w.Close()

	select {
	case <-w.Done():
	default:
		t.Error("Done() not closed after Close()")
	}

	if tc.attaches != 1 || tc.detaches != 1 {
		t.Errorf("thread context attached %d / detached %d times, want 1 / 1", tc.attaches, tc.detaches)
	}

	if _, err := w.ListServers(context.Background(), "localhost"); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("ListServers() after Close() = %v, want ErrWorkerStopped", err)
	}

	// Close is idempotent.
	w.Close()
}

func TestWorkerInitFailure(t *testing.T) {
	tc := &fakeThreadContext{attachErr: errors.New("runtime init failed")}
	w, err := Start(&fakeConnector{}, WithThreadContext(tc))
	if err == nil {
		w.Close()
		t.Fatal("Start() succeeded with failing thread context")
	}
	if tc.detaches != 0 {
		t.Errorf("Detach() called %d times after failed Attach(), want 0", tc.detaches)
	}
}

func TestWorkerContextCancelled(t *testing.T) {
	w := startTestWorker(t, &fakeConnector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context fails the enqueue when the worker is busy or
	// the queue is contended; with an idle worker the request may still
	// land, so only the error identity is checked when one comes back.
	if _, err := w.ListServers(ctx, "localhost"); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("ListServers() with cancelled context = %v, want context.Canceled or success", err)
	}
}

func TestDispatchCachesConnections(t *testing.T) {
	srv := &fakeServer{}
	conn := &fakeConnector{servers: []*fakeServer{srv}}
	w := startTestWorker(t, conn)

	for i := 0; i < 3; i++ {
		if _, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"}); err != nil {
			t.Fatalf("ReadTagValues() error: %v", err)
		}
	}

	if got := conn.connectCount(); got != 1 {
		t.Errorf("Connect() called %d times across 3 reads, want 1", got)
	}
}

func TestDispatchRetriesConnectionError(t *testing.T) {
	stale := &fakeServer{
		group: &fakeGroup{readErr: opcda.NewComError("read", opcda.CodeRPCUnavailable)},
	}
	fresh := &fakeServer{}
	conn := &fakeConnector{servers: []*fakeServer{stale, fresh}}
	w := startTestWorker(t, conn)

	values, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"})
	if err != nil {
		t.Fatalf("ReadTagValues() error after retry: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("got %d values, want 1", len(values))
	}
	if got := conn.connectCount(); got != 2 {
		t.Errorf("Connect() called %d times, want 2 (initial + reconnect)", got)
	}
	if stale.group.readCalls != 1 || fresh.group.readCalls != 1 {
		t.Errorf("read calls stale=%d fresh=%d, want 1 each", stale.group.readCalls, fresh.group.readCalls)
	}
}

func TestDispatchDoesNotRetryOtherErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"item error code", opcda.NewComError("add", opcda.CodeUnknownItemID)},
		{"plain error", errors.New("something else")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &fakeServer{group: &fakeGroup{readErr: tt.err}}
			conn := &fakeConnector{servers: []*fakeServer{srv}}
			w := startTestWorker(t, conn)

			_, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"})
			if !errors.Is(err, tt.err) {
				t.Errorf("ReadTagValues() = %v, want the original error unchanged", err)
			}
			if got := conn.connectCount(); got != 1 {
				t.Errorf("Connect() called %d times, want 1 (no retry)", got)
			}
		})
	}
}

func TestDispatchCachesFreshSessionAfterFailedRetry(t *testing.T) {
	connErr := opcda.NewComError("read", opcda.CodeRPCCallFailed)
	stale := &fakeServer{group: &fakeGroup{readErr: connErr}}
	alsoStale := &fakeServer{group: &fakeGroup{readErr: connErr}}
	healthy := &fakeServer{}
	conn := &fakeConnector{servers: []*fakeServer{stale, alsoStale, healthy}}
	w := startTestWorker(t, conn)

	// First request: connect, fail, reconnect, retry fails too. The
	// second session stays cached anyway.
	if _, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"}); err == nil {
		t.Fatal("ReadTagValues() succeeded, want connection error")
	}
	if got := conn.connectCount(); got != 2 {
		t.Fatalf("Connect() called %d times after first request, want 2", got)
	}

	// Second request starts from the cached second session, evicts it,
	// and lands on the healthy one.
	if _, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"}); err != nil {
		t.Fatalf("ReadTagValues() error on second request: %v", err)
	}
	if got := conn.connectCount(); got != 3 {
		t.Errorf("Connect() called %d times total, want 3", got)
	}
	if alsoStale.group.readCalls != 2 {
		t.Errorf("cached session read %d times, want 2 (retry of first request, then second request)", alsoStale.group.readCalls)
	}
}

func TestDispatchReconnectFailure(t *testing.T) {
	stale := &fakeServer{group: &fakeGroup{}}
	conn := &fakeConnector{servers: []*fakeServer{stale}}
	w := startTestWorker(t, conn)

	// Prime the cache with a healthy session.
	if _, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"}); err != nil {
		t.Fatalf("priming read error: %v", err)
	}

	// Next request hits the now-stale cached session, evicts it, and
	// the reconnect itself fails.
	unreachable := errors.New("host unreachable")
	conn.mu.Lock()
	conn.connectErr = unreachable
	conn.mu.Unlock()
	stale.group.readErr = opcda.NewComError("read", opcda.CodeRPCUnavailable)

	_, err := w.ReadTagValues(context.Background(), "Server.1", []string{"Tag1"})
	if !errors.Is(err, unreachable) {
		t.Errorf("ReadTagValues() = %v, want wrapped reconnect failure", err)
	}
}

func TestWorkerShutdownMidRequest(t *testing.T) {
	// A request enqueued but never served must not hang its caller.
	w := startTestWorker(t, &fakeConnector{}, WithQueueDepth(1))
	w.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := w.ListServers(context.Background(), "localhost"); !errors.Is(err, ErrWorkerStopped) {
			t.Errorf("ListServers() = %v, want ErrWorkerStopped", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("caller hung after worker shutdown")
	}
}
