package opcworker

// TagValue is one tag's read result. A batched read returns one
// TagValue per requested tag, in request order; rejected or failed
// items carry an error placeholder instead of a live value.
type TagValue struct {
	TagID     string `json:"tag_id"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Timestamp string `json:"timestamp,omitempty"`
}

// WriteResult is the business-level outcome of a single tag write.
// A rejected write is a successful call with Success=false; only
// infrastructure failures (lost session, worker death) surface as
// call errors.
type WriteResult struct {
	TagID   string `json:"tag_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
