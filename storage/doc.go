// Package storage defines the persistence contract of the authorization server.
//
// Four logical collections are kept:
//   - ClientStore: registered client applications
//   - FlowStore: authorization requests and the grants issued from them
//   - TokenStore: access tokens and their refresh tokens
//
// Every state transition the engine depends on for safety is a conditional update:
// grant consumption, authorization request resolution and token rotation either apply
// against the exact record version the caller read or fail with ErrConflict / ErrAlreadyUsed.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/redis: Redis storage (Lua scripts and WATCH transactions)
//   - storage/postgres: PostgreSQL storage (version columns)
//   - storage/mock: failure-injecting wrapper for unit tests
//   - storage/storagetest: conformance suite shared by all implementations
package storage
