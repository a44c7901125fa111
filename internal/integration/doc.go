// Package integration provides cross-package integration tests for agentorch.
// These tests wire real stores, queues, and the workflow engine together and
// verify crash recovery and escalation handling across package boundaries.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
