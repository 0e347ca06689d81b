package opcworker

import (
	"errors"

	"opclink/logging"
	"opclink/opcda"
)

// writeTagValue writes one value to one tag through an ephemeral group.
// Registration failures and server-side write rejections are business
// outcomes carried in the WriteResult; only session-level failures
// surface as errors.
func (w *Worker) writeTagValue(serverName, tagID string, value interface{}, srv opcda.Server) (WriteResult, error) {
	group, handle, _, err := srv.AddGroup("opclink-write", true, readGroupUpdateRate)
	if err != nil {
		return WriteResult{}, err
	}

	removed := false
	removeGroup := func() {
		if removed {
			return
		}
		removed = true
		if rerr := srv.RemoveGroup(handle, true); rerr != nil {
			logging.DebugError("worker", "write_tag_value group cleanup", rerr)
		}
	}
	defer removeGroup()

	results, itemErrs, err := group.AddItems([]opcda.ItemDef{{ItemID: tagID, Active: true}})
	if err != nil {
		return WriteResult{}, err
	}
	if len(results) == 0 || len(itemErrs) == 0 {
		return WriteResult{}, errors.New("server returned empty item results")
	}

	if itemErrs[0] != nil {
		hint := opcda.DescribeError(itemErrs[0])
		logging.DebugLog("worker", "write: failed to add %s to group: %s", tagID, hint)
		return WriteResult{TagID: tagID, Success: false, Error: "failed to add tag: " + hint}, nil
	}

	// Conversion happens here, at the point of write, so the native
	// representation never outlives the call.
	variant, err := opcda.ValueToVariant(value)
	if err != nil {
		return WriteResult{TagID: tagID, Success: false, Error: err.Error()}, nil
	}

	writeErrs, err := group.Write([]opcda.ItemHandle{results[0].ServerHandle}, []opcda.Variant{variant})
	if err != nil {
		return WriteResult{}, err
	}
	if len(writeErrs) == 0 {
		return WriteResult{}, errors.New("server returned empty write errors")
	}

	if writeErrs[0] != nil {
		msg := opcda.DescribeError(writeErrs[0])
		logging.DebugLog("worker", "write: server rejected write to %s: %s", tagID, msg)
		return WriteResult{TagID: tagID, Success: false, Error: msg}, nil
	}

	logging.DebugLog("worker", "write_tag_value completed: %s on %s", tagID, serverName)
	return WriteResult{TagID: tagID, Success: true}, nil
}
