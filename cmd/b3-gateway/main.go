package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/b3-gateway/internal/config"
	"github.com/alexjbarnes/b3-gateway/internal/gateway"
	"github.com/alexjbarnes/b3-gateway/internal/identity"
	"github.com/alexjbarnes/b3-gateway/internal/logging"
	"github.com/alexjbarnes/b3-gateway/internal/server"
)

var Version = "dev"

func main() {
	// Handle check-config subcommand before starting the server.
	if len(os.Args) > 1 && os.Args[1] == "check-config" {
		if err := checkConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// checkConfig loads the configuration and decodes the certificate
// material without contacting any server.
func checkConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Printf("profile: %s\n", cfg.ActiveProfile.Name)

	if missing := cfg.Bundle.Missing(); len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}

	cert, err := identity.FromBundle(&cfg.Bundle)
	if err != nil {
		return err
	}

	if _, err := identity.RootCAs(cfg.Bundle.CABase64); err != nil {
		return err
	}

	if cert.Leaf != nil {
		fmt.Printf("client certificate: %s (expires %s)\n",
			cert.Leaf.Subject.CommonName, cert.Leaf.NotAfter.Format(time.RFC3339))
	}

	fmt.Println("configuration OK")

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("b3-gateway starting",
		slog.String("version", Version),
		slog.String("profile", cfg.ActiveProfile.Name),
		slog.Bool("token_cache", cfg.TokenCache),
		slog.Duration("http_timeout", cfg.HTTPTimeout),
	)

	if missing := cfg.Bundle.Missing(); len(missing) > 0 {
		logger.Warn("configuration incomplete, upstream operations will fail until set",
			slog.String("missing", strings.Join(missing, ", ")),
		)
	}

	if cfg.InsecureSkipVerify {
		logger.Warn("upstream server certificate verification is disabled")
	}

	svc := gateway.FromConfig(cfg, logger)

	srv := server.New(cfg.ListenAddr(), server.NewMux(server.MuxConfig{
		Gateway:          svc,
		Logger:           logger,
		OperationTimeout: server.OperationBudget(cfg.HTTPTimeout),
	}), cfg.HTTPTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", slog.String("listen", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
