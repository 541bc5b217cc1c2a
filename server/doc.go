// Package server implements the OAuth 2.0 authorization server engine.
//
// The engine is split into components that share one immutable Config:
//   - ClientRegistry: client registration, lookup, authentication and revocation
//   - ScopeValidator: requested versus allowed scopes
//   - AuthorizationFlow: authorization requests and the resource owner's decision
//   - GrantIssuer: single-use access grants (authorization codes)
//   - TokenIssuer: code, refresh and client credentials exchange, validation and revocation
//   - Sweeper: periodic expiry and purging
//
// Components hold no mutable state of their own; all state lives in the storage
// backends, whose compare-and-set operations keep the flow correct when several
// instances share a store.
//
// Protocol failures are returned as *oautherr.Error (or *RedirectError wrapping one
// when the failure must be reported through the client's redirect URI). Any other
// error is an infrastructure failure.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.NewWithStore(store, server.DefaultConfig(), logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	req, err := srv.Flow.Begin(ctx, server.AuthorizeRequest{
//	    ResponseType: "code",
//	    ClientID:     clientID,
//	    Scopes:       []string{"read"},
//	    State:        state,
//	})
//	// ... authenticate the resource owner, then
//	grant, err := srv.Flow.Approve(ctx, req.ID, "user-42")
//	http.Redirect(w, r, server.GrantRedirect(grant, req.State).URL(), http.StatusFound)
package server
