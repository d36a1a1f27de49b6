// Command relayd runs the relay as a standalone WebSocket service.
//
// Configuration comes from the environment (a .env file is honored):
//
//	RELAY_LISTEN_ADDR     listen address, default :8080
//	RELAY_JWT_SECRET      HS256 signing secret, required
//	RELAY_TOKEN_TTL       issued-token lifetime, default 24h
//	RELAY_MAILBOX_PATH    SQLite file path; empty keeps the queue in memory
//	RELAY_RETENTION       delivered-message retention window, default 1h
//	RELAY_SWEEP_INTERVAL  retention sweep period, default 10m
//	RELAY_LOG_LEVEL       logrus level, default info
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/ephemrelay"
	"github.com/opd-ai/ephemrelay/auth"
	"github.com/opd-ai/ephemrelay/identity"
	"github.com/opd-ai/ephemrelay/mailbox"
	"github.com/opd-ai/ephemrelay/transport"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	level, err := logrus.ParseLevel(envOr("RELAY_LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	secret := os.Getenv("RELAY_JWT_SECRET")
	if secret == "" {
		logrus.Fatal("RELAY_JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, secret); err != nil {
		logrus.WithError(err).Fatal("Relay exited with error")
	}
}

func run(ctx context.Context, secret string) error {
	box, closeBox, err := openMailbox(ctx)
	if err != nil {
		return err
	}
	defer closeBox()

	directory := identity.NewMemoryDirectory()

	relay, err := ephemrelay.New(ephemrelay.Options{
		Directory:       directory,
		Mailbox:         box,
		RetentionWindow: envDurationOr("RELAY_RETENTION", time.Hour),
		SweepInterval:   envDurationOr("RELAY_SWEEP_INTERVAL", 10*time.Minute),
	})
	if err != nil {
		return err
	}
	relay.Start()
	defer relay.Stop()

	verifier := auth.NewJWT(secret, envDurationOr("RELAY_TOKEN_TTL", 24*time.Hour))

	// First connection with a verified credential registers the identity.
	onAuth := func(cred auth.Credential) {
		directory.EnsureRegistered(cred.Identity, cred.Alias)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewServer(verifier, relay, onAuth))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              envOr("RELAY_LISTEN_ADDR", ":8080"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", srv.Addr).Info("Relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openMailbox picks durable or in-memory queueing from the environment.
func openMailbox(ctx context.Context) (mailbox.Mailbox, func(), error) {
	path := os.Getenv("RELAY_MAILBOX_PATH")
	if path == "" {
		logrus.Warn("RELAY_MAILBOX_PATH unset, queued messages will not survive restarts")
		return mailbox.NewMemory(), func() {}, nil
	}

	box, err := mailbox.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	logrus.WithField("path", path).Info("Mailbox opened")
	return box, func() {
		if err := box.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close mailbox")
		}
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Invalid duration, using default")
		return fallback
	}
	return d
}
