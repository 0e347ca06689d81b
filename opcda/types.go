// Package opcda defines the capability surface of the native OPC-DA
// binding layer: server discovery, connected sessions, groups, and the
// value/quality/timestamp primitives the protocol carries.
//
// The package holds no COM code itself. A binding backend implements
// Connector/Server/Group against the real component runtime; everything
// above it (the worker, the manager, the API) depends only on these
// interfaces, which also makes the whole stack testable with fakes.
package opcda

import "time"

// GroupHandle is a server-assigned identifier for an OPC group.
// Handles are scoped to one session and one group lifetime.
type GroupHandle uint32

// ItemHandle is a server-assigned identifier for an item registered in a
// group. Valid only for the lifetime of that group.
type ItemHandle uint32

// VarType identifies the native type of a Variant, using the protocol's
// VT type codes.
type VarType uint16

const (
	VTEmpty VarType = 0
	VTNull  VarType = 1
	VTI2    VarType = 2
	VTI4    VarType = 3
	VTR4    VarType = 4
	VTR8    VarType = 5
	VTCY    VarType = 6
	VTDate  VarType = 7
	VTBStr  VarType = 8
	VTBool  VarType = 11
	VTI1    VarType = 16
	VTUI1   VarType = 17
	VTUI2   VarType = 18
	VTUI4   VarType = 19
	VTI8    VarType = 20
	VTUI8   VarType = 21

	// VTArray is OR'd into the type code when the value is an array of
	// the base type.
	VTArray VarType = 0x2000
)

// Variant is a tagged native value as carried by the protocol.
// Value holds the Go representation matching Type:
//
//	VTI2 int16, VTI4 int32, VTR4 float32, VTR8 float64, VTBStr string,
//	VTBool bool, VTDate/VTCY float64/int64, VTI1 int8, VTUI1 uint8,
//	VTUI2 uint16, VTUI4 uint32, VTI8 int64, VTUI8 uint64.
//
// Array variants (Type&VTArray != 0) hold []Variant.
type Variant struct {
	Type  VarType
	Value interface{}
}

// FileTime is the protocol's native timestamp: 100-nanosecond intervals
// since 1601-01-01 UTC. Zero means "no timestamp".
type FileTime uint64

// Time converts the FileTime to a Go time. The zero FileTime maps to the
// zero time.Time.
func (ft FileTime) Time() time.Time {
	if ft == 0 {
		return time.Time{}
	}
	const epochDelta = 11644473600 // seconds between 1601 and 1970
	secs := int64(ft/10_000_000) - epochDelta
	nanos := int64(ft%10_000_000) * 100
	return time.Unix(secs, nanos)
}

// FileTimeOf converts a Go time to a FileTime.
func FileTimeOf(t time.Time) FileTime {
	if t.IsZero() {
		return 0
	}
	const epochDelta = 11644473600
	return FileTime(uint64(t.Unix()+epochDelta)*10_000_000 + uint64(t.Nanosecond())/100)
}

// Quality is the protocol's per-value trust descriptor. The top two bits
// carry the major status (Good/Bad/Uncertain); the rest are sub-reasons.
type Quality uint16

const (
	QualityBad       Quality = 0x00
	QualityUncertain Quality = 0x40
	QualityGood      Quality = 0xC0
)

// Major returns the quality with sub-status bits stripped.
func (q Quality) Major() Quality { return q & 0xC0 }

// ItemDef describes one tag to register in a group.
type ItemDef struct {
	ItemID        string
	AccessPath    string
	Active        bool
	ClientHandle  uint32
	RequestedType VarType // VTEmpty requests the server's canonical type
}

// ItemResult is the per-item outcome of a batched AddItems call,
// positionally aligned with the submitted defs.
type ItemResult struct {
	ServerHandle  ItemHandle
	CanonicalType VarType
	AccessRights  uint32
}

// ItemState is one item's value snapshot from a batched read,
// positionally aligned with the submitted handles.
type ItemState struct {
	ClientHandle uint32
	Value        Variant
	Quality      Quality
	Timestamp    FileTime
}

// DataSource selects where a read is served from.
type DataSource int

const (
	SourceCache  DataSource = iota // group's cached copy
	SourceDevice                   // force a device-level read
)

// Namespace is a server's address space organization.
type Namespace int

const (
	NamespaceHierarchical Namespace = iota
	NamespaceFlat
)

func (n Namespace) String() string {
	if n == NamespaceFlat {
		return "flat"
	}
	return "hierarchical"
}

// BrowseScope selects what BrowseItemIDs enumerates at the current
// browse position.
type BrowseScope int

const (
	ScopeBranch BrowseScope = iota // immediate branch children
	ScopeLeaf                      // immediate leaf children
	ScopeFlat                      // every leaf below the position, flattened
)

func (s BrowseScope) String() string {
	switch s {
	case ScopeBranch:
		return "branch"
	case ScopeLeaf:
		return "leaf"
	case ScopeFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// BrowseDirection moves the server-held browse cursor.
type BrowseDirection int

const (
	BrowseUp   BrowseDirection = iota // to the parent branch
	BrowseDown                       // into the named child branch
	BrowseTo                         // directly to a fully-qualified position
)
