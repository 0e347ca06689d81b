package opcda

// Connector is the entry point into the binding layer: it discovers
// installed servers and opens connected sessions by name.
type Connector interface {
	// EnumerateServers lists the registered server ProgIDs on the host.
	// Only the local registry is browsable; implementations may ignore
	// a remote host name.
	EnumerateServers(host string) ([]string, error)

	// Connect resolves the ProgID and returns a live session.
	Connect(name string) (Server, error)
}

// Server is a connected session. All calls must come from the thread
// that owns the session's runtime context.
type Server interface {
	// AddGroup creates a server-side group. The returned handle is used
	// to remove the group; revisedRate is the update rate the server
	// actually granted.
	AddGroup(name string, active bool, updateRate uint32) (group Group, handle GroupHandle, revisedRate uint32, err error)

	// RemoveGroup releases a group and all items registered in it.
	RemoveGroup(handle GroupHandle, force bool) error

	// QueryOrganization reports whether the namespace is flat or
	// hierarchical.
	QueryOrganization() (Namespace, error)

	// BrowseItemIDs enumerates names at the current browse position.
	// The iterator is lazy, finite, and restartable per call.
	BrowseItemIDs(scope BrowseScope, filter string) (ItemIterator, error)

	// GetItemID resolves a browse name at the current position to its
	// fully-qualified item identifier.
	GetItemID(browseName string) (string, error)

	// ChangeBrowsePosition moves the server-held browse cursor. The
	// target names a child branch for BrowseDown and is ignored for
	// BrowseUp.
	ChangeBrowsePosition(direction BrowseDirection, target string) error
}

// Group is a server-side item container scoped to one logical
// operation. Handles returned by AddItems are invalid after the group
// is removed.
type Group interface {
	// AddItems registers tags in one batch. Both returned slices are
	// positionally aligned with defs; a non-nil entry in the error
	// slice marks that item as rejected without failing the batch.
	AddItems(defs []ItemDef) ([]ItemResult, []error, error)

	// Read fetches current values for the given item handles. The
	// states and per-item errors are positionally aligned with handles.
	Read(source DataSource, handles []ItemHandle) ([]ItemState, []error, error)

	// Write sends values to the given item handles. The returned slice
	// carries one entry per handle; non-nil means the server rejected
	// that write.
	Write(handles []ItemHandle, values []Variant) ([]error, error)
}

// ItemIterator walks a lazy sequence of browse names. Next returns
// ok=false when the sequence is exhausted; a non-nil err with ok=true
// is a per-item failure the caller may skip.
type ItemIterator interface {
	Next() (name string, err error, ok bool)
}

// ThreadContext binds the native component runtime to the calling OS
// thread. Attach must be called on the thread that will issue all
// session calls, and Detach on the same thread when it exits.
type ThreadContext interface {
	Attach() error
	Detach()
}
