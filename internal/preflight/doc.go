// Package preflight checks that a workspace can be watched and reconciled
// before the daemon relies on it.
//
// The checks cover:
//   - configuration validity
//   - free disk space and write access for the state directory
//   - file descriptor and inotify watch limits
//   - git availability for the change-detection fast path
//   - fingerprint store integrity and consistency
//
// Use the Checker type to run them:
//
//	checker := preflight.New(root, cfg)
//	results := checker.RunAll(ctx)
//	if checker.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
