package opcworker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"opclink/logging"
	"opclink/opcda"
)

// maxBrowseDepth caps recursive traversal. Branches deeper than this
// are silently truncated rather than erroring the whole browse.
const maxBrowseDepth = 50

// BrowseProgress streams a browse's discoveries to concurrent
// observers. The worker is the only mutator; any number of goroutines
// may sample Count and Tags while the browse runs.
type BrowseProgress struct {
	count int64 // atomic

	mu   sync.Mutex
	tags []string
}

// NewBrowseProgress returns an empty progress sink.
func NewBrowseProgress() *BrowseProgress {
	return &BrowseProgress{}
}

// Count returns the number of tags discovered so far. Non-decreasing
// over the life of a browse.
func (p *BrowseProgress) Count() int {
	if p == nil {
		return 0
	}
	return int(atomic.LoadInt64(&p.count))
}

// Tags returns a snapshot of the tags discovered so far, in discovery
// order.
func (p *BrowseProgress) Tags() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tags))
	copy(out, p.tags)
	return out
}

func (p *BrowseProgress) record(tag string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.tags = append(p.tags, tag)
	p.mu.Unlock()
	atomic.AddInt64(&p.count, 1)
}

// browseTags enumerates up to maxTags tag IDs from the server's
// namespace. Flat namespaces are enumerated directly. Hierarchical
// servers are first probed for a flat enumeration anyway (many support
// it and it avoids the cursor walk entirely); only when the probe
// yields nothing does the recursive traversal run.
func (w *Worker) browseTags(serverName string, maxTags int, progress *BrowseProgress, srv opcda.Server) ([]string, error) {
	org, err := srv.QueryOrganization()
	if err != nil {
		return nil, err
	}
	logging.DebugLog("browse", "%s namespace is %s, max %d tags", serverName, org, maxTags)

	var tags []string
	record := func(tag string) {
		tags = append(tags, tag)
		progress.record(tag)
	}

	if org == opcda.NamespaceFlat {
		iter, err := srv.BrowseItemIDs(opcda.ScopeLeaf, "")
		if err != nil {
			return nil, err
		}
		for len(tags) < maxTags {
			name, ierr, ok := iter.Next()
			if !ok {
				break
			}
			if ierr != nil {
				return nil, fmt.Errorf("tag iteration: %w", ierr)
			}
			record(name)
		}
		logging.DebugLog("browse", "flat browse of %s found %d tags", serverName, len(tags))
		return tags, nil
	}

	if w.consumeFlatProbe(srv, maxTags, record, &tags) {
		logging.DebugLog("browse", "flat probe of %s found %d tags", serverName, len(tags))
		return tags, nil
	}

	cursor := browseCursor{srv: srv}
	if err := w.browseRecursive(srv, cursor, &tags, maxTags, record, 0); err != nil {
		return nil, err
	}
	logging.DebugLog("browse", "recursive browse of %s found %d tags", serverName, len(tags))
	return tags, nil
}

// consumeFlatProbe tries a flat enumeration against a server that
// declared itself hierarchical. If the first item comes back it
// consumes the whole enumeration (bounded by maxTags, skipping
// per-item errors) and reports true; otherwise the caller falls back
// to recursion.
func (w *Worker) consumeFlatProbe(srv opcda.Server, maxTags int, record func(string), tags *[]string) bool {
	iter, err := srv.BrowseItemIDs(opcda.ScopeFlat, "")
	if err != nil {
		logging.DebugLog("browse", "flat probe not supported, falling back to recursive: %v", err)
		return false
	}

	name, ierr, ok := iter.Next()
	if !ok {
		logging.DebugLog("browse", "flat probe returned no items, falling back to recursive")
		return false
	}
	if ierr != nil {
		logging.DebugLog("browse", "flat probe first item error, falling back to recursive: %v", ierr)
		return false
	}

	record(name)
	for len(*tags) < maxTags {
		n, e, ok := iter.Next()
		if !ok {
			break
		}
		if e != nil {
			logging.DebugLog("browse", "flat iteration error, skipping: %v", e)
			continue
		}
		record(n)
	}
	return true
}

// browseCursor wraps the server-held browse position so a descend is
// always paired with an attempted ascend, even when the walk inside
// the branch fails.
type browseCursor struct {
	srv opcda.Server
}

// within descends into branch, runs walk, then ascends back out. A
// failed descend skips the branch (entered=false, no walk). The ascend
// is attempted regardless of what walk did; its error comes back
// separately because a failed ascend leaves the true cursor position
// unknown and the caller must stop traversing siblings.
func (c browseCursor) within(branch string, walk func()) (entered bool, ascendErr error) {
	if err := c.srv.ChangeBrowsePosition(opcda.BrowseDown, branch); err != nil {
		logging.DebugLog("browse", "failed to enter branch %s, skipping: %v", branch, err)
		return false, nil
	}
	walk()
	if err := c.srv.ChangeBrowsePosition(opcda.BrowseUp, ""); err != nil {
		return true, err
	}
	return true, nil
}

// browseRecursive walks the namespace depth-first from the current
// cursor position. Leaves at each level are resolved to fully-qualified
// IDs and recorded before branches are entered.
func (w *Worker) browseRecursive(srv opcda.Server, cursor browseCursor, tags *[]string, maxTags int, record func(string), depth int) error {
	if depth > maxBrowseDepth {
		logging.DebugLog("browse", "max depth %d reached, truncating", maxBrowseDepth)
		return nil
	}
	if len(*tags) >= maxTags {
		return nil
	}

	branchIter, err := srv.BrowseItemIDs(opcda.ScopeBranch, "")
	if err != nil {
		return err
	}
	var branches []string
	for {
		name, ierr, ok := branchIter.Next()
		if !ok {
			break
		}
		if ierr != nil {
			logging.DebugLog("browse", "branch iteration error, skipping: %v", ierr)
			continue
		}
		branches = append(branches, name)
	}

	leafIter, err := srv.BrowseItemIDs(opcda.ScopeLeaf, "")
	if err != nil {
		return err
	}
	for {
		if len(*tags) >= maxTags {
			return nil
		}
		name, ierr, ok := leafIter.Next()
		if !ok {
			break
		}
		if ierr != nil {
			return fmt.Errorf("leaf iteration: %w", ierr)
		}
		tag, rerr := srv.GetItemID(name)
		if rerr != nil {
			logging.DebugLog("browse", "get_item_id failed for %s, using browse name: %v", name, rerr)
			tag = name
		}
		record(tag)
	}

	for _, branch := range branches {
		if len(*tags) >= maxTags {
			return nil
		}
		_, ascendErr := cursor.within(branch, func() {
			if err := w.browseRecursive(srv, cursor, tags, maxTags, record, depth+1); err != nil {
				logging.DebugLog("browse", "browse of branch %s failed: %v", branch, err)
			}
		})
		if ascendErr != nil {
			// Cursor position is unknown now; continuing with siblings
			// would enumerate the wrong subtree.
			logging.DebugError("browse", "ascend from "+branch, ascendErr)
			break
		}
	}

	return nil
}
