package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openbotauth/botgate/pkg/api"
	"github.com/openbotauth/botgate/pkg/config"
	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/sidecar"
)

func newProxyCmd() *cobra.Command {
	var (
		listen      string
		target      string
		verifierURL string
		configPath  string
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the sidecar reverse proxy in front of an origin",
		Long: `Runs the sidecar: classifies incoming requests, forwards signature
material to the verifier, stamps X-OBAuth-* headers and proxies to the
origin. With --verifier-url the verdict comes from a remote verifier API;
without it the engine runs embedded in this process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProxy(cmd.Context(), listen, target, verifierURL, configPath)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8421", "Address to listen on")
	cmd.Flags().StringVar(&target, "target", "", "Origin URL to proxy to (required)")
	cmd.Flags().StringVar(&verifierURL, "verifier-url", "", "Remote verifier API base URL; empty runs the engine in-process")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runProxy(ctx context.Context, listen, target, verifierURL, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	targetURL, err := url.Parse(target)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		return fmt.Errorf("invalid target URL %q", target)
	}

	var v sidecar.Verifier
	if verifierURL != "" {
		v = &sidecar.RemoteVerifier{BaseURL: verifierURL, Client: &http.Client{Timeout: sidecar.DefaultVerifyTimeout}}
		logger.Infof("using remote verifier at %s", verifierURL)
	} else {
		deps, err := buildVerifier(ctx, cfg)
		if err != nil {
			return err
		}
		defer deps.close()
		v = &sidecar.EngineVerifier{Engine: deps.engine}
		logger.Info("running verifier engine in-process")
	}

	handler := sidecar.NewProxy(targetURL, v, sidecar.Options{
		Mode:                  sidecar.Mode(cfg.Mode),
		ProtectedPaths:        cfg.ProtectedPaths,
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
	})

	logger.Infof("sidecar proxying %s -> %s in %s mode", listen, targetURL, cfg.Mode)
	return api.NewServer(listen, handler).Serve(ctx)
}
