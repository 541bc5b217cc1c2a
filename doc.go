// Package oauth serves an OAuth 2.0 authorization server over HTTP.
//
// The protocol logic lives in the server package; Handler translates HTTP requests
// into calls on a server.Server and renders the results as redirects or JSON.
// Resource owner authentication stays with the host application: the authorize
// endpoint sends the user agent to Config.ConsentURL, and the host posts the owner's
// decision to the grant or deny endpoint once it knows who the owner is.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.NewWithStore(store, server.DefaultConfig(), logger)
//	if err != nil {
//		return err
//	}
//	h, err := oauth.NewHandler(srv, oauth.Config{
//		Issuer:     "https://auth.example.com",
//		ConsentURL: "https://auth.example.com/consent",
//		Identity:   oauth.HeaderIdentity("X-Authenticated-User"),
//	})
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
//	r := chi.NewRouter()
//	h.Register(r)
//	r.With(h.ValidateToken, h.RequireScope("read")).Get("/api/items", listItems)
package oauth
