package opcworker

import (
	"fmt"

	"opclink/logging"
	"opclink/opcda"
)

// withServer resolves a cached session for the named server (connecting
// on a miss) and runs op against it. A connection-class failure evicts
// the stale session, reconnects, and retries the operation exactly
// once; the fresh session is cached whether or not the retry succeeds.
// Any other outcome is returned unmodified. One retry only, so a down
// server is hit at most twice per request.
func (w *Worker) withServer(name string, op func(opcda.Server) error) error {
	srv, ok := w.cache[name]
	if !ok {
		logging.DebugLog("worker", "cache miss for %s, connecting", name)
		var err error
		srv, err = w.connector.Connect(name)
		if err != nil {
			return err
		}
		w.cache[name] = srv
	}

	err := op(srv)
	if err == nil || !opcda.IsConnectionError(err) {
		return err
	}

	logging.DebugLog("worker", "evicting stale connection to %s: %v", name, err)
	delete(w.cache, name)
	reconnectCount.Inc()

	fresh, cerr := w.connector.Connect(name)
	if cerr != nil {
		logging.DebugError("worker", "reconnect", cerr)
		return fmt.Errorf("reconnect to %s: %w", name, cerr)
	}

	retryErr := op(fresh)
	w.cache[name] = fresh
	return retryErr
}
