package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quietwire/groupd/internal/avatars"
	"github.com/quietwire/groupd/internal/config"
	"github.com/quietwire/groupd/internal/daemon"
	"github.com/quietwire/groupd/internal/groupstore"
	"github.com/quietwire/groupd/internal/groupstore/physical"
	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/internal/transport"
	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/logging"

	// Registered storage backends.
	_ "github.com/quietwire/groupd/internal/avatars/fs"
	_ "github.com/quietwire/groupd/internal/avatars/s3"
	_ "github.com/quietwire/groupd/internal/groupstore/physical/badger"
	_ "github.com/quietwire/groupd/internal/groupstore/physical/memory"
	_ "github.com/quietwire/groupd/internal/groupstore/physical/redis"
	_ "github.com/quietwire/groupd/internal/groupstore/physical/sqlite"
)

// buildDaemon wires storage, transport, and the daemon from config.
// Components needing teardown are registered on the shutdown
// coordinator.
func buildDaemon(ctx context.Context, cfg config.Config, obs *observability.Observability) (*daemon.Daemon, error) {
	self, profileKey, err := loadAccount(cfg.Account)
	if err != nil {
		return nil, err
	}

	backend, err := physical.New(ctx, cfg.Storage.Groups.Backend, cfg.Storage.Groups.Config, obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init group store backend: %w", err)
	}
	log := logging.New(obs.Logger)
	store := groupstore.New(backend, obs.Metrics, log)
	obs.Shutdown.Register("groupstore", func(ctx context.Context) error {
		return store.Close()
	})

	avatarCache, err := avatars.New(ctx, cfg.Storage.Avatars.Backend, cfg.Storage.Avatars.Config)
	if err != nil {
		return nil, fmt.Errorf("init avatar cache: %w", err)
	}
	obs.Shutdown.Register("avatars", func(context.Context) error {
		return avatarCache.Close()
	})

	client, err := transport.New(transport.Config{
		BaseURL:             cfg.Server.URL,
		Credentials:         credentialSource(cfg.DataDir),
		CredentialCacheSize: cfg.Server.CredentialCacheSize,
		Logger:              log,
	})
	if err != nil {
		return nil, fmt.Errorf("init transport: %w", err)
	}

	return daemon.New(daemon.Config{
		Store:          store,
		Transport:      client,
		Identities:     explicitResolver(),
		Self:           self,
		SelfProfileKey: profileKey,
		Avatars:        avatarCache,
		Metrics:        obs.Metrics,
		Logger:         log,
	})
}

func loadAccount(acct config.AccountConfig) (identity.ServiceID, []byte, error) {
	if acct.ServiceID == "" {
		return identity.NilServiceID, nil, fmt.Errorf("account.service_id is not configured")
	}
	self, err := identity.ParseServiceID(acct.ServiceID)
	if err != nil {
		return identity.NilServiceID, nil, fmt.Errorf("parse account.service_id: %w", err)
	}

	var profileKey []byte
	if acct.ProfileKey != "" {
		profileKey, err = base64.StdEncoding.DecodeString(acct.ProfileKey)
		if err != nil {
			return identity.NilServiceID, nil, fmt.Errorf("decode account.profile_key: %w", err)
		}
	}
	return self, profileKey, nil
}

// explicitResolver accepts addresses that already carry a service
// identifier. Directory lookups are a separate service this process
// does not talk to.
func explicitResolver() identity.Resolver {
	return identity.ResolverFunc(func(_ context.Context, addr identity.Address) (identity.ServiceID, error) {
		if addr.HasServiceID() {
			return addr.Service, nil
		}
		return identity.NilServiceID, identity.ErrUnregistered
	})
}

// credentialSource reads the per-day auth credential from
// GROUPD_AUTH_CREDENTIAL or <data_dir>/credential. Credential issuance
// is a separate concern; this process only presents the result.
func credentialSource(dataDir string) transport.CredentialSource {
	return transport.CredentialSourceFunc(func(_ context.Context, _ int64) (string, error) {
		if cred := os.Getenv("GROUPD_AUTH_CREDENTIAL"); cred != "" {
			return cred, nil
		}
		data, err := os.ReadFile(filepath.Join(dataDir, "credential"))
		if err != nil {
			return "", fmt.Errorf("no auth credential: set GROUPD_AUTH_CREDENTIAL or write %s: %w",
				filepath.Join(dataDir, "credential"), err)
		}
		return strings.TrimSpace(string(data)), nil
	})
}
