// Package opcsim is an in-memory simulation backend for the opcda
// interfaces, modeled on the address space of the common vendor
// simulation servers: a Random branch of free-running values, a
// Bucket Brigade branch of writable latches, and a Saw-toothed Waves
// branch of time ramps.
//
// It exists so the gateway runs end to end on hosts without a native
// component runtime. A real binding backend plugs into the same
// worker seam.
package opcsim

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"opclink/opcda"
)

// ProgID is the simulated server's registered name.
const ProgID = "Opclink.Simulation.1"

type itemKind int

const (
	kindRandom itemKind = iota
	kindSaw
	kindLatch
)

type item struct {
	id   string
	typ  opcda.VarType
	kind itemKind
}

// space is the shared address space. Latch values survive reconnects,
// so every session returned by one Connector sees the same state.
type space struct {
	mu      sync.Mutex
	items   map[string]*item
	latches map[string]opcda.Variant

	rng   *rand.Rand
	start time.Time
}

// Connector opens sessions against a single simulated server.
type Connector struct {
	space *space
}

// NewConnector builds a connector with the standard simulation
// address space.
func NewConnector() *Connector {
	sp := &space{
		items:   make(map[string]*item),
		latches: make(map[string]opcda.Variant),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		start:   time.Now(),
	}
	leafTypes := []struct {
		name string
		typ  opcda.VarType
	}{
		{"Boolean", opcda.VTBool},
		{"Int2", opcda.VTI2},
		{"Int4", opcda.VTI4},
		{"Real4", opcda.VTR4},
		{"Real8", opcda.VTR8},
		{"String", opcda.VTBStr},
	}
	for _, lt := range leafTypes {
		sp.add("Random."+lt.name, lt.typ, kindRandom)
		sp.add("Bucket Brigade."+lt.name, lt.typ, kindLatch)
	}
	sp.add("Saw-toothed Waves.Int4", opcda.VTI4, kindSaw)
	sp.add("Saw-toothed Waves.Real8", opcda.VTR8, kindSaw)
	return &Connector{space: sp}
}

func (sp *space) add(id string, typ opcda.VarType, kind itemKind) {
	sp.items[id] = &item{id: id, typ: typ, kind: kind}
}

func (c *Connector) EnumerateServers(host string) ([]string, error) {
	return []string{ProgID}, nil
}

func (c *Connector) Connect(name string) (opcda.Server, error) {
	if name != ProgID {
		return nil, opcda.NewComError("connect "+name, opcda.CodeClassNotRegistered)
	}
	return &server{space: c.space, groups: make(map[opcda.GroupHandle]*group)}, nil
}

// server is one simulated session. The browse cursor is session state,
// matching how the protocol holds it server-side.
type server struct {
	space      *space
	cursor     []string
	groups     map[opcda.GroupHandle]*group
	nextHandle opcda.GroupHandle
}

func (s *server) AddGroup(name string, active bool, updateRate uint32) (opcda.Group, opcda.GroupHandle, uint32, error) {
	s.nextHandle++
	g := &group{space: s.space, items: make(map[opcda.ItemHandle]registered)}
	s.groups[s.nextHandle] = g
	return g, s.nextHandle, updateRate, nil
}

func (s *server) RemoveGroup(handle opcda.GroupHandle, force bool) error {
	if _, ok := s.groups[handle]; !ok {
		return opcda.NewComError("remove group", opcda.CodeInvalidItemID)
	}
	delete(s.groups, handle)
	return nil
}

func (s *server) QueryOrganization() (opcda.Namespace, error) {
	return opcda.NamespaceHierarchical, nil
}

// sliceIter walks a fixed name list.
type sliceIter struct {
	names []string
	pos   int
}

func (it *sliceIter) Next() (string, error, bool) {
	if it.pos >= len(it.names) {
		return "", nil, false
	}
	name := it.names[it.pos]
	it.pos++
	return name, nil, true
}

func (s *server) BrowseItemIDs(scope opcda.BrowseScope, filter string) (opcda.ItemIterator, error) {
	s.space.mu.Lock()
	defer s.space.mu.Unlock()

	prefix := strings.Join(s.cursor, ".")
	if prefix != "" {
		prefix += "."
	}

	var names []string
	seen := make(map[string]bool)
	for id := range s.space.items {
		switch scope {
		case opcda.ScopeFlat:
			names = append(names, id)
		case opcda.ScopeLeaf:
			if strings.HasPrefix(id, prefix) && !strings.Contains(id[len(prefix):], ".") {
				names = append(names, id[len(prefix):])
			}
		case opcda.ScopeBranch:
			if !strings.HasPrefix(id, prefix) {
				continue
			}
			rest := id[len(prefix):]
			if i := strings.Index(rest, "."); i >= 0 && !seen[rest[:i]] {
				seen[rest[:i]] = true
				names = append(names, rest[:i])
			}
		}
	}
	sort.Strings(names)
	return &sliceIter{names: names}, nil
}

func (s *server) GetItemID(browseName string) (string, error) {
	if len(s.cursor) == 0 {
		return browseName, nil
	}
	return strings.Join(s.cursor, ".") + "." + browseName, nil
}

func (s *server) ChangeBrowsePosition(direction opcda.BrowseDirection, target string) error {
	switch direction {
	case opcda.BrowseUp:
		if len(s.cursor) == 0 {
			return opcda.NewComError("browse up", opcda.CodeInvalidItemID)
		}
		s.cursor = s.cursor[:len(s.cursor)-1]
	case opcda.BrowseDown:
		s.space.mu.Lock()
		prefix := strings.Join(append(append([]string{}, s.cursor...), target), ".") + "."
		found := false
		for id := range s.space.items {
			if strings.HasPrefix(id, prefix) {
				found = true
				break
			}
		}
		s.space.mu.Unlock()
		if !found {
			return opcda.NewComError("browse down "+target, opcda.CodeUnknownItemID)
		}
		s.cursor = append(s.cursor, target)
	case opcda.BrowseTo:
		if target == "" {
			s.cursor = nil
			return nil
		}
		s.cursor = strings.Split(target, ".")
	}
	return nil
}

type registered struct {
	item         *item
	clientHandle uint32
}

type group struct {
	space      *space
	items      map[opcda.ItemHandle]registered
	nextHandle opcda.ItemHandle
}

func (g *group) AddItems(defs []opcda.ItemDef) ([]opcda.ItemResult, []error, error) {
	results := make([]opcda.ItemResult, len(defs))
	errs := make([]error, len(defs))
	g.space.mu.Lock()
	defer g.space.mu.Unlock()
	for i, def := range defs {
		it, ok := g.space.items[def.ItemID]
		if !ok {
			errs[i] = opcda.NewComError("add item "+def.ItemID, opcda.CodeUnknownItemID)
			continue
		}
		g.nextHandle++
		g.items[g.nextHandle] = registered{item: it, clientHandle: def.ClientHandle}
		rights := uint32(1) // readable
		if it.kind == kindLatch {
			rights = 3 // readable + writable
		}
		results[i] = opcda.ItemResult{
			ServerHandle:  g.nextHandle,
			CanonicalType: it.typ,
			AccessRights:  rights,
		}
	}
	return results, errs, nil
}

func (g *group) Read(source opcda.DataSource, handles []opcda.ItemHandle) ([]opcda.ItemState, []error, error) {
	states := make([]opcda.ItemState, len(handles))
	errs := make([]error, len(handles))
	g.space.mu.Lock()
	defer g.space.mu.Unlock()
	now := time.Now()
	for i, h := range handles {
		reg, ok := g.items[h]
		if !ok {
			errs[i] = opcda.NewComError("read", opcda.CodeInvalidItemID)
			continue
		}
		states[i] = opcda.ItemState{
			ClientHandle: reg.clientHandle,
			Value:        g.space.valueOf(reg.item, now),
			Quality:      opcda.QualityGood,
			Timestamp:    opcda.FileTimeOf(now),
		}
	}
	return states, errs, nil
}

func (g *group) Write(handles []opcda.ItemHandle, values []opcda.Variant) ([]error, error) {
	errs := make([]error, len(handles))
	g.space.mu.Lock()
	defer g.space.mu.Unlock()
	for i, h := range handles {
		reg, ok := g.items[h]
		if !ok {
			errs[i] = opcda.NewComError("write", opcda.CodeInvalidItemID)
			continue
		}
		if reg.item.kind != kindLatch {
			errs[i] = opcda.NewComError("write "+reg.item.id, opcda.CodeBadRights)
			continue
		}
		g.space.latches[reg.item.id] = values[i]
	}
	return errs, nil
}

// valueOf generates the current value for an item. Caller holds the
// space lock.
func (sp *space) valueOf(it *item, now time.Time) opcda.Variant {
	switch it.kind {
	case kindLatch:
		if v, ok := sp.latches[it.id]; ok {
			return v
		}
		return zeroVariant(it.typ)
	case kindSaw:
		// 0..99 ramp repeating every 100 seconds.
		ramp := now.Sub(sp.start).Seconds()
		pos := ramp - float64(int(ramp)/100*100)
		if it.typ == opcda.VTR8 {
			return opcda.Variant{Type: opcda.VTR8, Value: pos}
		}
		return opcda.Variant{Type: opcda.VTI4, Value: int32(pos)}
	default:
		return sp.randomVariant(it.typ)
	}
}

func (sp *space) randomVariant(typ opcda.VarType) opcda.Variant {
	switch typ {
	case opcda.VTBool:
		return opcda.Variant{Type: typ, Value: sp.rng.Intn(2) == 1}
	case opcda.VTI2:
		return opcda.Variant{Type: typ, Value: int16(sp.rng.Intn(1 << 15))}
	case opcda.VTI4:
		return opcda.Variant{Type: typ, Value: sp.rng.Int31()}
	case opcda.VTR4:
		return opcda.Variant{Type: typ, Value: sp.rng.Float32() * 100}
	case opcda.VTR8:
		return opcda.Variant{Type: typ, Value: sp.rng.Float64() * 100}
	default:
		return opcda.Variant{Type: opcda.VTBStr, Value: words[sp.rng.Intn(len(words))]}
	}
}

func zeroVariant(typ opcda.VarType) opcda.Variant {
	switch typ {
	case opcda.VTBool:
		return opcda.Variant{Type: typ, Value: false}
	case opcda.VTI2:
		return opcda.Variant{Type: typ, Value: int16(0)}
	case opcda.VTI4:
		return opcda.Variant{Type: typ, Value: int32(0)}
	case opcda.VTR4:
		return opcda.Variant{Type: typ, Value: float32(0)}
	case opcda.VTR8:
		return opcda.Variant{Type: typ, Value: float64(0)}
	default:
		return opcda.Variant{Type: opcda.VTBStr, Value: ""}
	}
}

var words = []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
