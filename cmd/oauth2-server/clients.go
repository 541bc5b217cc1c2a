package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/giantswarm/oauth2-server/internal/config"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// runClientCommand runs one of the client administration commands against the configured store
func runClientCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd string, args []string, out io.Writer) error {
	store, closeStore, err := openStore(ctx, cfg.Storage, logger, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := server.NewWithStore(store, cfg.ServerConfig(), logger,
		server.WithAuditor(security.NewAuditor(logger, cfg.Log.Audit)))
	if err != nil {
		return err
	}

	switch cmd {
	case "register-client":
		return registerClient(ctx, srv, args, out)
	case "revoke-client":
		return revokeClient(ctx, srv, args, out)
	default:
		return listClients(ctx, srv, out)
	}
}

func registerClient(ctx context.Context, srv *server.Server, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register-client", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	redirectURI := fs.String("redirect-uri", "", "redirect URI (required)")
	scope := fs.String("scope", "", "space separated scopes the client may request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, secret, err := srv.Clients.Register(ctx, *name, *redirectURI, server.ParseScope(*scope))
	if err != nil {
		return err
	}

	// the secret is not stored and cannot be shown again
	_, err = fmt.Fprintf(out, "client_id:     %s\nclient_secret: %s\n", client.ID, secret)
	return err
}

func revokeClient(ctx context.Context, srv *server.Server, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("revoke-client", flag.ContinueOnError)
	id := fs.String("id", "", "client ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	if err := srv.Clients.Revoke(ctx, *id); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "revoked %s\n", *id)
	return err
}

func listClients(ctx context.Context, srv *server.Server, out io.Writer) error {
	clients, err := srv.Clients.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tREDIRECT URI\tSCOPE\tCREATED\tSTATUS")
	for _, c := range clients {
		status := "active"
		if c.Revoked() {
			status = "revoked"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.DisplayName, c.RedirectURI, server.FormatScope(c.Scopes),
			c.CreatedAt.Format(time.RFC3339), status)
	}
	return tw.Flush()
}
