// Command threshold-federation runs one federation node: the libp2p
// transport, the ceremony coordinator, the presignature pool and the
// transaction lifecycle driver, plus the local admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"threshold-federation/internal/api"
	"threshold-federation/internal/ceremony"
	"threshold-federation/internal/config"
	"threshold-federation/internal/election"
	"threshold-federation/internal/keys"
	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/network"
	"threshold-federation/internal/presig"
	"threshold-federation/internal/signing"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
	"threshold-federation/pkg/consensus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "conf.yaml", "Path to the node configuration file")
	initKeys := flag.Bool("init-keys", false, "Initiate key generation and auxiliary setup ceremonies on startup")
	flag.Parse()

	if err := run(*configPath, *initKeys); err != nil {
		fmt.Fprintf(os.Stderr, "threshold-federation: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, initKeys bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Component("main")
	log.Info().
		Str("node", cfg.Node.ID.String()).
		Int("members", len(cfg.Federation.Members)).
		Int("threshold", cfg.Federation.Threshold).
		Msg("starting federation node")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBadgerStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", cfg.Storage.Path, err)
	}

	locker := election.NewLocker(store, cfg.Node.ID, cfg.Pool.LockTTL)
	if err := locker.ReclaimStale(ctx); err != nil {
		log.Warn().Err(err).Msg("stale lock reclaim failed")
	}

	transport, err := network.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to create network manager: %w", err)
	}
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start network manager: %w", err)
	}

	m := metrics.New()
	router := ceremony.NewRouter(cfg.Node.ID, transport, cfg.Ceremonies.RoundTimeout, m)
	router.Start()

	coordinator := ceremony.NewCoordinator(cfg, store, transport, transport, router, ceremony.NewDevEngine(), m)
	coordinator.Start()

	leaders, err := election.NewLeaderElection(cfg.Federation.MemberIDs())
	if err != nil {
		return fmt.Errorf("failed to build leader election: %w", err)
	}

	pool := presig.NewPool(cfg.Pool, cfg.Node.ID, store, coordinator, leaders, locker, m)
	signer := signing.NewCoordinator(coordinator, pool, types.SchemeSchnorr, m)

	voteSigner, err := keys.NewSigner(cfg.Node.ID, cfg.Node.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to create vote signer: %w", err)
	}
	votes := consensus.NewVoteProcessor(store, cfg.Federation, m)
	driver := consensus.NewDriver(cfg.Consensus, cfg.Federation.Threshold, store, votes,
		signer, consensus.AutoApprover{Signer: voteSigner}, locker, m)

	if initKeys {
		if err := runKeyCeremonies(ctx, coordinator); err != nil {
			return err
		}
	}

	pool.Start()
	driver.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	var adminSrv *api.Server
	if cfg.Network.APIAddress != "" {
		adminSrv = api.NewServer(cfg.Network.APIAddress, driver, store, pool, m)
		group.Go(adminSrv.ListenAndServe)
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	log.Info().Msg("federation node running")
	runErr := group.Wait()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result error
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("admin api shutdown: %w", err))
		}
	}
	driver.Stop()
	pool.Stop()
	coordinator.Stop()
	router.Stop()
	if err := transport.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("network close: %w", err))
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store close: %w", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		result = multierror.Append(result, runErr)
	}
	return result
}

// runKeyCeremonies leads key generation and auxiliary setup across the
// federation. Every other node must already be online; they participate
// through their join handlers.
func runKeyCeremonies(ctx context.Context, coordinator *ceremony.Coordinator) error {
	log := logger.Component("main")

	log.Info().Msg("initiating key generation ceremony")
	if _, err := coordinator.Initiate(ctx, types.CeremonyKeyGen, ceremony.InitiateOptions{}); err != nil {
		return fmt.Errorf("key generation ceremony failed: %w", err)
	}

	log.Info().Msg("initiating auxiliary setup ceremony")
	if _, err := coordinator.Initiate(ctx, types.CeremonyAuxSetup, ceremony.InitiateOptions{}); err != nil {
		return fmt.Errorf("auxiliary setup ceremony failed: %w", err)
	}
	return nil
}
