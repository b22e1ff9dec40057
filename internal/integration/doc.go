// Package integration holds end-to-end tests that run a review through the
// real decomposer, agents, pool, error handler, permission manager, publisher
// and history store, with only the reasoning backend faked.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
