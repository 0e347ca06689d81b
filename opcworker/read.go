package opcworker

import (
	"opclink/logging"
	"opclink/opcda"
)

// readGroupUpdateRate is the requested update interval for the
// ephemeral read group. The group never polls long enough for the rate
// to matter, but servers require one.
const readGroupUpdateRate = 1000

// readTagValues reads the given tags through one ephemeral group.
// The output is positionally aligned with tagIDs: items the server
// rejects at registration or read time get an error placeholder at
// their index, and a partial failure never discards unaffected items.
func (w *Worker) readTagValues(serverName string, tagIDs []string, srv opcda.Server) ([]TagValue, error) {
	group, handle, _, err := srv.AddGroup("opclink-read", true, readGroupUpdateRate)
	if err != nil {
		return nil, err
	}

	removed := false
	removeGroup := func() {
		if removed {
			return
		}
		removed = true
		if rerr := srv.RemoveGroup(handle, true); rerr != nil {
			logging.DebugError("worker", "read_tag_values group cleanup", rerr)
		}
	}
	defer removeGroup()

	defs := make([]opcda.ItemDef, len(tagIDs))
	for i, id := range tagIDs {
		defs[i] = opcda.ItemDef{ItemID: id, Active: true, ClientHandle: uint32(i)}
	}

	results, itemErrs, err := group.AddItems(defs)
	if err != nil {
		return nil, err
	}

	// Pre-fill every position with a registration-failure placeholder;
	// successful items overwrite theirs below.
	values := make([]TagValue, len(tagIDs))
	for i, id := range tagIDs {
		values[i] = TagValue{TagID: id, Value: "Error", Quality: "Bad — not added to group"}
	}

	var handles []opcda.ItemHandle
	var valid []int
	for i := range tagIDs {
		if i >= len(results) || i >= len(itemErrs) {
			break
		}
		if itemErrs[i] != nil {
			hint := opcda.DescribeError(itemErrs[i])
			logging.DebugLog("worker", "read: server rejected %s: %s", tagIDs[i], hint)
			values[i].Quality = "Bad — " + hint
			continue
		}
		handles = append(handles, results[i].ServerHandle)
		valid = append(valid, i)
	}

	if len(handles) == 0 {
		return values, nil
	}

	states, readErrs, err := group.Read(opcda.SourceDevice, handles)
	if err != nil {
		return nil, err
	}

	for j, i := range valid {
		if j >= len(states) || j >= len(readErrs) {
			break
		}
		if readErrs[j] != nil {
			hint := opcda.DescribeError(readErrs[j])
			logging.DebugLog("worker", "read: per-item error for %s: %s", tagIDs[i], hint)
			values[i].Quality = "Bad — " + hint
			continue
		}
		st := states[j]
		values[i] = TagValue{
			TagID:     tagIDs[i],
			Value:     opcda.VariantString(st.Value),
			Quality:   opcda.QualityString(st.Quality),
			Timestamp: opcda.TimestampString(st.Timestamp),
		}
	}

	logging.DebugLog("worker", "read_tag_values completed: %d tags from %s", len(values), serverName)
	return values, nil
}
