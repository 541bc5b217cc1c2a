// Package testutil provides fixtures and a controllable clock for tests of the
// authorization server packages.
package testutil
