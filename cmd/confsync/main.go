package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/confsync/configsync"
	"github.com/alexjbarnes/confsync/internal/config"
	"github.com/alexjbarnes/confsync/internal/convostore"
	"github.com/alexjbarnes/confsync/internal/logging"
	"github.com/alexjbarnes/confsync/internal/state"
	"github.com/alexjbarnes/confsync/internal/swarm"
)

var Version = "dev"

func main() {
	var err error

	switch {
	case len(os.Args) > 1 && os.Args[1] == "inspect":
		err = inspect(os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "version":
		fmt.Println(Version)
	default:
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("confsync starting",
		slog.String("version", Version),
		slog.String("data_dir", cfg.DataDir),
		slog.String("swarm", cfg.SwarmNodeURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	id, err := loadIdentity(cfg, appState, logger)
	if err != nil {
		return err
	}

	logger.Info("account loaded", slog.String("account", id.PubKey().Short()))

	reg := configsync.NewRegistry(id)

	dumps, err := configsync.NewDumpStore(appState, id, logger)
	if err != nil {
		return err
	}

	convos, err := convostore.Open(cfg.ConvoStorePath())
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer convos.Close()

	g, gctx := errgroup.WithContext(ctx)

	sender := newSender(gctx, g, cfg, configsync.NewSigner(reg), logger)

	svc := configsync.NewService(configsync.ServiceDeps{
		Registry: reg,
		Dumps:    dumps,
		State:    appState,
		Sender:   sender,
		Store:    convos,
		Expiry:   convos,
		LegacySink: func(_ context.Context, group configsync.PubKey, msgs []swarm.RetrievedMessage) {
			logger.Debug("legacy group messages", slog.String("group", group.Short()), slog.Int("count", len(msgs)))
		},
	}, configsync.ServiceConfig{
		Runner: configsync.RunnerConfig{
			SettleDelay: cfg.SettleDelay,
			MinSpacing:  cfg.MinSpacing,
			RetryDelay:  cfg.RetryDelay,
			MaxAttempts: cfg.MaxAttempts,
			JobTimeout:  cfg.JobTimeout,
		},
		PollInterval:  cfg.PollInterval,
		InviteTimeout: cfg.InviteTimeout,
		ConfigTTL:     cfg.ConfigTTL,
		DebugDumps:    cfg.DebugDumps,
	}, logger)

	if err := svc.Bootstrap(gctx); err != nil {
		return fmt.Errorf("bootstrapping sync: %w", err)
	}
	defer svc.Stop()

	g.Go(func() error {
		return svc.Run(gctx)
	})

	err = g.Wait()

	logger.Info("confsync stopped")

	return err
}

// loadIdentity resolves the account seed: the configured one, the one
// persisted in state, or a freshly generated one that is then persisted.
func loadIdentity(cfg *config.Config, appState *state.State, logger *slog.Logger) (*configsync.Identity, error) {
	var seed []byte

	switch {
	case cfg.SeedHex != "":
		s, err := hex.DecodeString(cfg.SeedHex)
		if err != nil {
			return nil, fmt.Errorf("decoding seed: %w", err)
		}

		seed = s
	case appState.Seed() != nil:
		seed = appState.Seed()
	default:
		s, err := configsync.GenerateSeed()
		if err != nil {
			return nil, err
		}

		if err := appState.SetSeed(s); err != nil {
			return nil, fmt.Errorf("saving seed: %w", err)
		}

		logger.Info("generated new account seed")

		seed = s
	}

	return configsync.NewIdentity(seed)
}

// newSender picks the transport for the configured endpoint. A
// websocket client is closed when ctx ends.
func newSender(ctx context.Context, g *errgroup.Group, cfg *config.Config, signer swarm.Signer, logger *slog.Logger) configsync.SwarmSender {
	if !cfg.UsesWebSocket() {
		return swarm.NewClient(&http.Client{Timeout: 30 * time.Second}, cfg.SwarmNodeURL, signer, cfg.SwarmRequestsPerSecond)
	}

	ws := swarm.NewWSClient(cfg.SwarmNodeURL, signer, cfg.SwarmRequestsPerSecond, logger)

	g.Go(func() error {
		<-ctx.Done()
		return ws.Close()
	})

	return ws
}
