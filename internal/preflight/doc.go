// Package preflight checks that a kbsync installation can sync before it
// tries to.
//
// The checks cover:
//   - the source export can be read and parsed
//   - the data directory is writable and has free space
//   - no other process holds the sync lock
//   - the fingerprint cache is readable
//   - the open file limit
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New(preflight.WithSource(provider))
//	results := checker.RunAll(ctx, dataDir)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
