// Package memory provides an in-memory implementation of the storage interfaces.
//
// Store implements ClientStore, FlowStore and TokenStore using maps guarded by a
// sync.RWMutex. Conditional updates compare the caller's Version with the stored one
// under the write lock, so they have the same semantics as the redis and postgres
// backends. It is suitable for development, tests and single-instance deployments.
//
// A background goroutine purges records that are past every deadline. Call Stop when
// the store is no longer needed.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, store, cfg, logger)
package memory
