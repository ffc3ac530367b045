package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openbotauth/botgate/pkg/api"
	"github.com/openbotauth/botgate/pkg/config"
	"github.com/openbotauth/botgate/pkg/jwks"
	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/networking"
	"github.com/openbotauth/botgate/pkg/nonce"
	"github.com/openbotauth/botgate/pkg/telemetry"
	"github.com/openbotauth/botgate/pkg/verifier"
)

func newServeCmd() *cobra.Command {
	var (
		address    string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the verifier API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), address, configPath)
		},
	}

	cmd.Flags().StringVar(&address, "address", "127.0.0.1:8420", "Address to listen on")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file")

	return cmd
}

func runServe(ctx context.Context, address, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	deps, err := buildVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	handlers := api.NewHandlers(deps.engine, deps.cache, deps.nonces)
	return api.NewServer(address, handlers.Router()).Serve(ctx)
}

// verifierDeps bundles the engine with the collaborators that need closing.
type verifierDeps struct {
	engine   *verifier.Engine
	cache    *jwks.Cache
	nonces   nonce.Store
	recorder *telemetry.Recorder
	redis    *redis.Client
}

func (d *verifierDeps) close() {
	if d.recorder != nil {
		_ = d.recorder.Close()
	}
	if d.nonces != nil {
		_ = d.nonces.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

// buildVerifier assembles the verification pipeline from configuration.
func buildVerifier(ctx context.Context, cfg *config.Config) (*verifierDeps, error) {
	client, err := networking.NewClientBuilder().
		WithTimeout(cfg.JWKSTimeout()).
		WithPrivateIPs(cfg.AllowPrivateNetworks).
		WithPlaintextHTTP(cfg.AllowPlaintextHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS client: %w", err)
	}

	cache := jwks.NewCache(client,
		jwks.WithTTL(cfg.JWKSTTL()),
		jwks.WithMaxBytes(cfg.JWKSMaxBytes),
	)
	resolver := jwks.NewResolver(client, cache,
		jwks.WithTrustedDirectories(cfg.TrustedDirectories),
		jwks.WithDiscoveryPaths(cfg.DiscoveryPaths),
		jwks.WithResolverMaxBytes(cfg.JWKSMaxBytes),
	)

	deps := &verifierDeps{cache: cache}

	if cfg.RedisAddr != "" {
		store, err := nonce.NewRedisStore(ctx, nonce.RedisConfig{
			Addr:      cfg.RedisAddr,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		deps.nonces = store
		logger.Infof("using redis nonce store at %s", cfg.RedisAddr)
	} else {
		deps.nonces = nonce.NewMemoryStore()
		logger.Info("using in-memory nonce store; replay protection is per-process")
	}

	opts := []verifier.EngineOption{
		verifier.WithMaxSkew(cfg.MaxSkew()),
		verifier.WithNonceTTL(cfg.NonceTTL()),
		verifier.WithJWKSOverrideAllowed(cfg.AllowJWKSOverride),
	}

	if cfg.TelemetryEnabled {
		recorderOpts := []telemetry.RecorderOption{}
		if cfg.RedisAddr != "" {
			deps.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			recorderOpts = append(recorderOpts,
				telemetry.WithCounters(telemetry.NewRedisCounters(deps.redis, cfg.RedisKeyPrefix)))
		}
		if cfg.AttemptLogPath != "" {
			attemptLog, err := telemetry.OpenAttemptLog(ctx, cfg.AttemptLogPath)
			if err != nil {
				return nil, err
			}
			recorderOpts = append(recorderOpts, telemetry.WithAttemptLog(attemptLog))
		}
		deps.recorder = telemetry.NewRecorder(recorderOpts...)
		opts = append(opts, verifier.WithObserver(deps.recorder))
	}

	deps.engine = verifier.NewEngine(cache, resolver, deps.nonces, opts...)
	return deps, nil
}
