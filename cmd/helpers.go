package cmd

import (
	"context"

	"github.com/tallyhq/tally/internal/bus"
	"github.com/tallyhq/tally/internal/output"
	"github.com/tallyhq/tally/internal/resolve"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/syncclient"
	"github.com/tallyhq/tally/internal/syncconfig"
	"github.com/tallyhq/tally/internal/syncer"
)

// openStore opens the local store, printing a friendly error on failure.
func openStore() (*store.Store, error) {
	st, err := store.Open(getBaseDir())
	if err != nil {
		output.Error("%v", err)
		return nil, err
	}
	return st, nil
}

// buildClient wires the sync client from config and the stored client id.
func buildClient(st *store.Store) (*syncclient.Client, error) {
	clientID, err := st.ClientID()
	if err != nil {
		output.Error("get client id: %v", err)
		return nil, err
	}
	return syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), clientID), nil
}

// buildManager wires a sync manager with the default (manual) conflict
// policy.
func buildManager(st *store.Store, b *bus.Bus) (*syncer.Manager, error) {
	client, err := buildClient(st)
	if err != nil {
		return nil, err
	}
	resolver := resolve.New(st, client, resolve.Unresolved)
	return syncer.New(st, client, resolver, b), nil
}

// cmdContext is the context for one-shot CLI sync operations.
func cmdContext() context.Context {
	return context.Background()
}
