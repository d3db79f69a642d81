// Package common provides shared constants, errors, logging and path helpers
// used throughout the orchestrator.
//
//   - Constants: retry timing, tunnel defaults, file names, connectivity backends
//   - Errors: sentinel errors checked with errors.Is
//   - Logger: leveled printf-style logging rendered through zerolog, with
//     size-based rotation of the log file
//   - Utils: config and data directories, UUID profile IDs
//
// # Usage
//
//	common.LogInfo("connecting to %s", profile.Gateway)
//
//	if errors.Is(err, common.ErrProfileNotFound) {
//	    // Handle missing profile
//	}
package common
