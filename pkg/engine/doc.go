// Package engine reconciles an LTO Flash device's file system with a
// desired menu tree.
//
// # Overview
//
// A Reconciler runs one session at a time per device. A session moves
// through these states:
//
//  1. snapshot_fetch - read the dirty-flag word and the device tree
//  2. diffing - bind the desired tree to the snapshot and compute the edit script
//  3. applying - transcode new content, simulate the script, set the update
//     flag and send each op
//  4. verifying - re-read the device and compare it with what was acknowledged
//  5. settled - the update flag is clear and the device matches
//
// Any non-idle state may end in aborted.
//
// # Outcomes
//
//   - settled: every op applied and verified, the flag is clear
//   - settled_with_partial_failures: as settled, but some sources could not be
//     transcoded and their entities were left out
//   - aborted: the session stopped; if device writes had begun the flag is
//     left set so the next session distrusts the tree
//   - rejected: the script failed local simulation (capacity, cycles) and
//     nothing was written
//
// # Dirty flags
//
// Bit 31 of the device's dirty-flag word marks an update in progress. It is
// set before the first op and cleared only after verification. The other
// bits are read and written back unchanged. A session that finds the bit
// already set builds the snapshot leniently, deletes the records it could
// not place and verifies even when nothing else changed.
//
// # Transcoding
//
// Ops that introduce fork content the device lacks are transcoded on a
// bounded worker pool before any device write. Results are consumed in
// script order. A failed source excludes its entity from the target and the
// script is recomputed, so nothing depending on it is sent.
//
// # Retries
//
// Transport errors other than *diag.DeviceFault are channel faults and are
// retried with exponential backoff, as are device faults whose descriptor is
// transient. Each device call runs detached from session cancellation under
// its own timeout; cancellation takes effect between calls.
//
// # Example
//
//	r, err := engine.NewReconciler(engine.Config{
//	    DeviceID:   "LTO-0001",
//	    Transport:  client,
//	    Transcoder: transcoder,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	report, err := r.Reconcile(ctx, desired)
package engine
