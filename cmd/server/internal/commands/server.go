package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signhub/rqes/internal/ca"
	"github.com/signhub/rqes/internal/client"
	"github.com/signhub/rqes/internal/config"
	"github.com/signhub/rqes/internal/hsm"
	"github.com/signhub/rqes/internal/keypool"
	"github.com/signhub/rqes/internal/logger"
	"github.com/signhub/rqes/internal/sad"
	"github.com/signhub/rqes/internal/session"
	"github.com/signhub/rqes/internal/signing"
	"github.com/signhub/rqes/internal/store"
	memorystore "github.com/signhub/rqes/internal/store/memory"
	postgresstore "github.com/signhub/rqes/internal/store/postgres"
	"github.com/signhub/rqes/internal/telemetry"
)

type ServerCmd struct {
	Config string `help:"path to YAML config file" default:"" env:"RQES_CONFIG"`
	Listen string `help:"HTTP listen address, overrides the config file" default:"" env:"RQES_LISTEN"`

	Metrics bool `help:"enable OTLP metrics export" default:"false" env:"RQES_METRICS"`
}

func (s *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.Listen = s.Listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().Str("version", globals.Version).Msg("Starting signing service")

	if s.Metrics {
		shutdown, err := telemetry.Init(ctx, "rqes", globals.Version)
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	credentialStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	authority, err := buildCA(cfg)
	if err != nil {
		return err
	}

	backend, closeBackend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	pool, err := keypool.New(keypool.Config{
		CA:           authority,
		Backend:      backend,
		Concurrency:  cfg.KeyPool.Concurrency(),
		Cleanup:      cfg.KeyPool.Cleanup(),
		ReserveTTL:   cfg.KeyPool.ReserveTTL.Std(),
		CertValidity: cfg.KeyPool.CertValidity.Std(),
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	sessions := session.NewManager()

	keys := sad.NewJWKSProvider(
		cfg.SAD.JWKSURL,
		client.NewCachingHTTPClient(cfg.SAD.CacheDir),
		cfg.SAD.JWKSTTL.Std(),
	)
	validator, err := sad.NewValidator(sad.ValidatorConfig{
		Keys:      keys,
		Issuer:    cfg.SAD.Issuer,
		Audience:  cfg.SAD.Audience,
		ClockSkew: cfg.SAD.ClockSkew.Std(),
	})
	if err != nil {
		return err
	}

	orchestrator, err := signing.New(signing.Config{
		Store:     credentialStore,
		Pool:      pool,
		Sessions:  sessions,
		Validator: validator,
		Backend:   backend,
		CA:        authority,
	})
	if err != nil {
		return err
	}
	_ = orchestrator // the request API layer mounts on top of this

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	defer cancelSweeps()
	go runSweeps(sweepCtx, pool, sessions, cfg.KeyPool.SweepInterval.Std())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := configureHTTPServer(cfg.Listen, mux)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// pool.Close (deferred) drains the deletion queue before the process
	// exits.
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.CredentialStore, func(), error) {
	switch cfg.Store.Type {
	case "postgres":
		st, err := postgresstore.NewCredentialStore(ctx, &postgresstore.CredentialStoreConfig{
			Pool:        postgresstore.PoolConfig{ConnString: cfg.Store.ConnString},
			AutoMigrate: cfg.Store.AutoMigrate,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		log.Info().Msg("Using PostgreSQL credential store")
		return st, st.Close, nil

	default:
		log.Info().Msg("Using in-memory credential store")
		return memorystore.NewCredentialStore(), func() {}, nil
	}
}

func buildCA(cfg *config.Config) (ca.Client, error) {
	if cfg.CA.KeyPath == "" && cfg.CA.CertPath == "" {
		log.Warn().Msg("No CA key material configured, using an ephemeral CA")
		return ca.NewEphemeralCA("rqes Ephemeral Issuing CA")
	}
	return ca.NewLocalCA(cfg.CA.KeyPath, cfg.CA.CertPath)
}

func buildBackend(cfg *config.Config) (hsm.SigningBackend, func(), error) {
	switch cfg.Backend.Type {
	case "pkcs11":
		token, err := hsm.NewPKCS11Token(hsm.PKCS11Config{
			ModulePath: cfg.Backend.ModulePath,
			SlotID:     cfg.Backend.SlotID,
			PIN:        cfg.Backend.PIN,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open PKCS#11 token: %w", err)
		}
		log.Info().Str("module", cfg.Backend.ModulePath).Msg("Using PKCS#11 signing backend")
		return token, token.Close, nil

	default:
		log.Info().Msg("Using soft token signing backend")
		return hsm.NewSoftToken(cfg.Backend.MaxSlots), func() {}, nil
	}
}

// runSweeps periodically reclaims stale reserved keys and closes expired
// sessions.
func runSweeps(ctx context.Context, pool *keypool.Pool, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if n := sessions.SweepExpired(now); n > 0 {
				log.Debug().Int("closed", n).Msg("Closed expired sessions")
			}
			if n := pool.Sweep(now); n > 0 {
				log.Debug().Int("reclaimed", n).Msg("Reclaimed stale reserved keys")
			}
		case <-ctx.Done():
			return
		}
	}
}
