// Package common provides shared interfaces used across the coordinator's
// components to ensure consistent shutdown behavior.
//
// Key Components:
//   - Stoppable: Interface for services requiring graceful shutdown
//   - StopWithTimeout: Helper function for timeout-based shutdown
package common
