// Package opcworker owns the native OPC-DA session context. The
// component runtime forbids touching a session from any thread other
// than the one that created it, so a single OS-thread-locked goroutine
// executes every native call and the rest of the process talks to it
// over a request/reply channel protocol.
package opcworker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"opclink/logging"
	"opclink/opcda"
)

// DefaultQueueDepth bounds the request queue. Requests beyond this
// block the sender until the worker drains.
const DefaultQueueDepth = 32

// ErrWorkerStopped reports that the worker loop has exited and can no
// longer accept or finish requests.
var ErrWorkerStopped = errors.New("opc worker stopped")

var (
	listServersCount = metrics.NewCounter(`opclink_worker_requests_total{op="list_servers"}`)
	readCount        = metrics.NewCounter(`opclink_worker_requests_total{op="read"}`)
	writeCount       = metrics.NewCounter(`opclink_worker_requests_total{op="write"}`)
	browseCount      = metrics.NewCounter(`opclink_worker_requests_total{op="browse"}`)
	reconnectCount   = metrics.NewCounter(`opclink_worker_reconnects_total`)
)

// Worker serializes all native session calls onto one dedicated
// OS thread and caches live server connections across requests.
type Worker struct {
	connector opcda.Connector
	tc        opcda.ThreadContext

	requests chan request
	quit     chan struct{}
	done     chan struct{} // closed when the loop has exited

	closeOnce sync.Once

	// cache maps server name to its live session. Touched only by the
	// worker goroutine.
	cache map[string]opcda.Server
}

// Option configures a Worker at start time.
type Option func(*Worker)

// WithQueueDepth overrides the request queue depth.
func WithQueueDepth(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.requests = make(chan request, n)
		}
	}
}

// WithThreadContext supplies the native runtime binding attached to the
// worker's thread for its lifetime.
func WithThreadContext(tc opcda.ThreadContext) Option {
	return func(w *Worker) { w.tc = tc }
}

// Start spawns the worker and blocks until its thread has initialized
// the native runtime. A failed initialization is returned here and the
// worker never serves.
func Start(connector opcda.Connector, opts ...Option) (*Worker, error) {
	w := &Worker{
		connector: connector,
		requests:  make(chan request, DefaultQueueDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	initCh := make(chan error, 1)
	go w.run(initCh)

	select {
	case err := <-initCh:
		if err != nil {
			return nil, err
		}
	case <-w.done:
		return nil, fmt.Errorf("worker exited before signalling init: %w", ErrWorkerStopped)
	}

	logging.DebugLog("worker", "worker thread started")
	return w, nil
}

// Close stops the worker loop. In-flight requests run to completion;
// requests issued after Close fail with an internal error.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}

// Done exposes worker termination for callers that need to watch for
// unexpected death.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) run(initCh chan<- error) {
	defer close(w.done)

	// The session context lives and dies with this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.tc != nil {
		if err := w.tc.Attach(); err != nil {
			logging.DebugError("worker", "runtime attach", err)
			initCh <- fmt.Errorf("worker runtime init: %w", err)
			return
		}
		defer w.tc.Detach()
	}
	initCh <- nil

	w.cache = make(map[string]opcda.Server)

	for {
		select {
		case <-w.quit:
			logging.DebugLog("worker", "worker thread exiting")
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

// handle executes one request and fulfills its reply channel. Replies
// are buffered so the send never blocks the loop.
func (w *Worker) handle(req request) {
	switch r := req.(type) {
	case *listServersRequest:
		listServersCount.Inc()
		servers, err := w.connector.EnumerateServers(r.host)
		if err == nil {
			logging.DebugLog("worker", "list_servers found %d servers on %s", len(servers), r.host)
		}
		r.reply <- listServersReply{servers: servers, err: err}

	case *readRequest:
		readCount.Inc()
		var values []TagValue
		err := w.withServer(r.server, func(srv opcda.Server) error {
			var opErr error
			values, opErr = w.readTagValues(r.server, r.tagIDs, srv)
			return opErr
		})
		r.reply <- readReply{values: values, err: err}

	case *writeRequest:
		writeCount.Inc()
		var result WriteResult
		err := w.withServer(r.server, func(srv opcda.Server) error {
			var opErr error
			result, opErr = w.writeTagValue(r.server, r.tagID, r.value, srv)
			return opErr
		})
		r.reply <- writeReply{result: result, err: err}

	case *browseRequest:
		browseCount.Inc()
		var tags []string
		err := w.withServer(r.server, func(srv opcda.Server) error {
			var opErr error
			tags, opErr = w.browseTags(r.server, r.maxTags, r.progress, srv)
			return opErr
		})
		r.reply <- browseReply{tags: tags, err: err}
	}
}

// send enqueues a request, fast-failing when the worker has already
// stopped rather than blocking forever on a dead queue.
func (w *Worker) send(ctx context.Context, req request) error {
	select {
	case <-w.done:
		return fmt.Errorf("request not accepted: %w", ErrWorkerStopped)
	default:
	}

	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return fmt.Errorf("request not accepted: %w", ErrWorkerStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListServers enumerates the available server ProgIDs on the host.
func (w *Worker) ListServers(ctx context.Context, host string) ([]string, error) {
	req := &listServersRequest{host: host, reply: make(chan listServersReply, 1)}
	if err := w.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case rep := <-req.reply:
		return rep.servers, rep.err
	case <-w.done:
		select {
		case rep := <-req.reply:
			return rep.servers, rep.err
		default:
			return nil, fmt.Errorf("worker shut down during request: %w", ErrWorkerStopped)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadTagValues reads current values for the given tag IDs from the
// named server. The result always has one entry per requested tag, in
// request order; individually failed tags carry error placeholders.
func (w *Worker) ReadTagValues(ctx context.Context, server string, tagIDs []string) ([]TagValue, error) {
	req := &readRequest{server: server, tagIDs: tagIDs, reply: make(chan readReply, 1)}
	if err := w.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case rep := <-req.reply:
		return rep.values, rep.err
	case <-w.done:
		select {
		case rep := <-req.reply:
			return rep.values, rep.err
		default:
			return nil, fmt.Errorf("worker shut down during request: %w", ErrWorkerStopped)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteTagValue writes one value to one tag. A server-side rejection is
// reported inside the WriteResult, not as a call error.
func (w *Worker) WriteTagValue(ctx context.Context, server, tagID string, value interface{}) (WriteResult, error) {
	req := &writeRequest{server: server, tagID: tagID, value: value, reply: make(chan writeReply, 1)}
	if err := w.send(ctx, req); err != nil {
		return WriteResult{}, err
	}
	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-w.done:
		select {
		case rep := <-req.reply:
			return rep.result, rep.err
		default:
			return WriteResult{}, fmt.Errorf("worker shut down during request: %w", ErrWorkerStopped)
		}
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// BrowseTags walks the server's namespace and returns up to maxTags
// fully-qualified tag IDs. Discoveries stream into progress (if
// non-nil) while the browse runs, so callers can report on long walks.
func (w *Worker) BrowseTags(ctx context.Context, server string, maxTags int, progress *BrowseProgress) ([]string, error) {
	req := &browseRequest{server: server, maxTags: maxTags, progress: progress, reply: make(chan browseReply, 1)}
	if err := w.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case rep := <-req.reply:
		return rep.tags, rep.err
	case <-w.done:
		select {
		case rep := <-req.reply:
			return rep.tags, rep.err
		default:
			return nil, fmt.Errorf("worker shut down during request: %w", ErrWorkerStopped)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
