package opcworker

import (
	"strings"
	"sync"

	"opclink/opcda"
)

// Scripted in-memory implementations of the opcda interfaces. These
// live in one place so every worker test builds on the same fakes.

type fakeItem struct {
	name string
	err  error
}

type fakeIter struct {
	items []fakeItem
	pos   int
}

func (it *fakeIter) Next() (string, error, bool) {
	if it.pos >= len(it.items) {
		return "", nil, false
	}
	item := it.items[it.pos]
	it.pos++
	return item.name, item.err, true
}

// fakeBranch names a child node. A non-nil err makes the branch show
// up as a per-item enumeration failure instead of a usable name.
type fakeBranch struct {
	name string
	node *fakeNode
	err  error
}

// fakeNode is one level of a scripted hierarchical namespace.
type fakeNode struct {
	leaves   []fakeItem
	branches []fakeBranch

	descendErr error // entering this node fails
	ascendErr  error // leaving this node fails
	leafErr    error // starting a leaf enumeration here fails
	branchErr  error // starting a branch enumeration here fails
}

type cursorFrame struct {
	node *fakeNode
	name string
}

// fakeServer scripts a session: one namespace tree, a flat
// enumeration, and a group. Call counts let tests assert interaction
// patterns, not just results.
type fakeServer struct {
	org    opcda.Namespace
	orgErr error

	root    *fakeNode
	flat    []fakeItem
	flatErr error

	group       *fakeGroup
	addGroupErr error

	addedGroups   []string
	removedGroups []opcda.GroupHandle
	nextHandle    opcda.GroupHandle

	getItemErrs map[string]error
	browseCalls map[opcda.BrowseScope]int

	stack []cursorFrame
}

func (s *fakeServer) current() *fakeNode {
	if len(s.stack) == 0 {
		if s.root == nil {
			s.root = &fakeNode{}
		}
		s.stack = []cursorFrame{{node: s.root}}
	}
	return s.stack[len(s.stack)-1].node
}

func (s *fakeServer) AddGroup(name string, active bool, updateRate uint32) (opcda.Group, opcda.GroupHandle, uint32, error) {
	if s.addGroupErr != nil {
		return nil, 0, 0, s.addGroupErr
	}
	s.addedGroups = append(s.addedGroups, name)
	s.nextHandle++
	if s.group == nil {
		s.group = &fakeGroup{}
	}
	return s.group, s.nextHandle, updateRate, nil
}

func (s *fakeServer) RemoveGroup(handle opcda.GroupHandle, force bool) error {
	s.removedGroups = append(s.removedGroups, handle)
	return nil
}

func (s *fakeServer) QueryOrganization() (opcda.Namespace, error) {
	return s.org, s.orgErr
}

func (s *fakeServer) BrowseItemIDs(scope opcda.BrowseScope, filter string) (opcda.ItemIterator, error) {
	if s.browseCalls == nil {
		s.browseCalls = make(map[opcda.BrowseScope]int)
	}
	s.browseCalls[scope]++

	if scope == opcda.ScopeFlat {
		if s.flatErr != nil {
			return nil, s.flatErr
		}
		return &fakeIter{items: s.flat}, nil
	}

	node := s.current()
	switch scope {
	case opcda.ScopeLeaf:
		if node.leafErr != nil {
			return nil, node.leafErr
		}
		return &fakeIter{items: node.leaves}, nil
	case opcda.ScopeBranch:
		if node.branchErr != nil {
			return nil, node.branchErr
		}
		items := make([]fakeItem, len(node.branches))
		for i, b := range node.branches {
			items[i] = fakeItem{name: b.name, err: b.err}
		}
		return &fakeIter{items: items}, nil
	}
	return &fakeIter{}, nil
}

func (s *fakeServer) GetItemID(browseName string) (string, error) {
	if err := s.getItemErrs[browseName]; err != nil {
		return "", err
	}
	s.current()
	parts := make([]string, 0, len(s.stack))
	for _, f := range s.stack {
		if f.name != "" {
			parts = append(parts, f.name)
		}
	}
	parts = append(parts, browseName)
	return strings.Join(parts, "."), nil
}

func (s *fakeServer) ChangeBrowsePosition(direction opcda.BrowseDirection, target string) error {
	node := s.current()
	switch direction {
	case opcda.BrowseDown:
		for _, b := range node.branches {
			if b.name == target {
				if b.node == nil {
					b.node = &fakeNode{}
				}
				if b.node.descendErr != nil {
					return b.node.descendErr
				}
				s.stack = append(s.stack, cursorFrame{node: b.node, name: b.name})
				return nil
			}
		}
		return opcda.NewComError("browse down", opcda.CodeUnknownItemID)
	case opcda.BrowseUp:
		if node.ascendErr != nil {
			return node.ascendErr
		}
		if len(s.stack) > 1 {
			s.stack = s.stack[:len(s.stack)-1]
		}
		return nil
	}
	return nil
}

// fakeGroup scripts batch outcomes. Unscripted calls accept every item
// and succeed, handing out server handles from 100 up.
type fakeGroup struct {
	addResults []opcda.ItemResult
	addErrs    []error
	addErr     error
	addedDefs  [][]opcda.ItemDef

	readStates  []opcda.ItemState
	readErrs    []error
	readErr     error
	readCalls   int
	readHandles []opcda.ItemHandle

	writeRejects []error
	writeErr     error
	writeCalls   int
	wroteValues  []opcda.Variant
}

func (g *fakeGroup) AddItems(defs []opcda.ItemDef) ([]opcda.ItemResult, []error, error) {
	g.addedDefs = append(g.addedDefs, defs)
	if g.addErr != nil {
		return nil, nil, g.addErr
	}
	if g.addResults != nil || g.addErrs != nil {
		return g.addResults, g.addErrs, nil
	}
	results := make([]opcda.ItemResult, len(defs))
	errs := make([]error, len(defs))
	for i := range defs {
		results[i] = opcda.ItemResult{ServerHandle: opcda.ItemHandle(100 + i)}
	}
	return results, errs, nil
}

func (g *fakeGroup) Read(source opcda.DataSource, handles []opcda.ItemHandle) ([]opcda.ItemState, []error, error) {
	g.readCalls++
	g.readHandles = append([]opcda.ItemHandle(nil), handles...)
	if g.readErr != nil {
		return nil, nil, g.readErr
	}
	if g.readStates != nil || g.readErrs != nil {
		return g.readStates, g.readErrs, nil
	}
	states := make([]opcda.ItemState, len(handles))
	errs := make([]error, len(handles))
	for i := range handles {
		states[i] = opcda.ItemState{
			Value:   opcda.Variant{Type: opcda.VTI4, Value: int32(i)},
			Quality: opcda.Quality(0xC0),
		}
	}
	return states, errs, nil
}

func (g *fakeGroup) Write(handles []opcda.ItemHandle, values []opcda.Variant) ([]error, error) {
	g.writeCalls++
	g.wroteValues = append([]opcda.Variant(nil), values...)
	if g.writeErr != nil {
		return nil, g.writeErr
	}
	if g.writeRejects != nil {
		return g.writeRejects, nil
	}
	return make([]error, len(handles)), nil
}

// fakeConnector hands out scripted servers in order, repeating the
// last one once the script runs out.
type fakeConnector struct {
	mu sync.Mutex

	servers    []*fakeServer
	connectErr error
	connects   int

	available []string
	enumErr   error
}

func (c *fakeConnector) EnumerateServers(host string) ([]string, error) {
	if c.enumErr != nil {
		return nil, c.enumErr
	}
	return c.available, nil
}

func (c *fakeConnector) Connect(name string) (opcda.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	if len(c.servers) == 0 {
		return &fakeServer{}, nil
	}
	srv := c.servers[0]
	if len(c.servers) > 1 {
		c.servers = c.servers[1:]
	}
	return srv, nil
}

func (c *fakeConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type fakeThreadContext struct {
	attachErr error
	attaches  int
	detaches  int
}

func (tc *fakeThreadContext) Attach() error {
	tc.attaches++
	return tc.attachErr
}

func (tc *fakeThreadContext) Detach() {
	tc.detaches++
}
