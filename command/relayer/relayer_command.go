package relayer

import (
	"context"
	"errors"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/portalgrid/relayer/adapter/evm"
	"github.com/portalgrid/relayer/api"
	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/helper/common"
	"github.com/portalgrid/relayer/nonce"
	relayersvc "github.com/portalgrid/relayer/relayer"
	"github.com/portalgrid/relayer/scheduler"
	"github.com/portalgrid/relayer/store"
)

var params relayerParams

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Runs the message dispatch pipeline",
		PreRunE: runPreRun,
		RunE:    runCommand,
	}

	setFlags(cmd)

	return cmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.configPath,
		configFlag,
		"",
		"path to the relayer config file",
	)

	cmd.Flags().StringVar(
		&params.logLevel,
		logLevelFlag,
		"INFO",
		"log level (ERROR, WARN, INFO, DEBUG, TRACE)",
	)
}

func runPreRun(cmd *cobra.Command, _ []string) error {
	return params.validateFlags()
}

func runCommand(cmd *cobra.Command, _ []string) error {
	config, err := LoadConfig(params.configPath)
	if err != nil {
		return err
	}

	logLevel := params.logLevel
	if !cmd.Flags().Changed(logLevelFlag) && config.LogLevel != "" {
		logLevel = config.LogLevel
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "relayer",
		Level: hclog.LevelFromString(logLevel),
	})

	if err := setupTelemetry(); err != nil {
		return err
	}

	st, err := store.New(config.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := scheduler.NewScheduler(logger, &scheduler.Config{
		BaseRetryDelay: config.Scheduler.BaseRetryDelay.Duration,
		MaxRetryDelay:  config.Scheduler.MaxRetryDelay.Duration,
		RetryExponent:  config.Scheduler.RetryExponent,
		MaxRetries:     config.Scheduler.MaxRetries,
		FairnessMixing: config.Scheduler.FairnessMixing,
		MixingSalt:     config.Scheduler.MixingSalt,
	})

	svc := relayersvc.NewRelayer(
		logger,
		&relayersvc.Config{
			PullInterval: config.PullInterval.Duration,
			BatchSize:    config.BatchSize,
		},
		sched,
		st,
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	for _, chain := range config.Chains {
		if err := registerChain(ctx, logger, svc, st, chain); err != nil {
			return err
		}
	}

	restServer := api.NewServer(logger, svc, svc)

	if err := svc.Start(ctx); err != nil {
		return err
	}

	stopCh := common.GetTerminationSignalCh()
	g := errgroup.Group{}

	// waits for os.Signal to cancel the context
	g.Go(func() error {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}

		return nil
	})

	g.Go(func() error {
		logger.Info("api server is listening", "addr", config.APIAddr)

		if err := restServer.ListenAndServe(config.APIAddr); !errors.Is(err, http.ErrServerClosed) {
			cancel()

			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		if err := restServer.Shutdown(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	return g.Wait()
}

// registerChain builds the per-destination pipeline: chain adapter, nonce
// manager and dispatcher, registered on the relayer under the chain's domain
func registerChain(
	ctx context.Context,
	logger hclog.Logger,
	svc *relayersvc.Relayer,
	st *store.Store,
	chain ChainConfig,
) error {
	chainLogger := logger.Named(chain.Name)

	adapter, err := evm.NewAdapter(ctx, chainLogger, &evm.Config{
		JSONRPCAddr:   chain.JSONRPCAddr,
		KeyHex:        chain.Key,
		BlockTime:     chain.BlockTime,
		FinalityDepth: chain.FinalityDepth,
		MaxBatchSize:  chain.MaxBatchSize,
	})
	if err != nil {
		return err
	}

	nonceManager := nonce.NewManager(chainLogger, st, adapter, chain.InflightWindow)

	dispatcherConfig := dispatcher.DefaultConfig()
	dispatcherConfig.Destination = chain.Domain

	if chain.QueueSize > 0 {
		dispatcherConfig.QueueSize = chain.QueueSize
	}

	if chain.TickInterval.Duration > 0 {
		dispatcherConfig.TickInterval = chain.TickInterval.Duration
	}

	if chain.ResubmitInterval.Duration > 0 {
		dispatcherConfig.ResubmitInterval = chain.ResubmitInterval.Duration
	}

	disp := dispatcher.NewDispatcher(chainLogger, dispatcherConfig, adapter, st, st, nonceManager)

	signer := adapter.Signer()
	svc.RegisterDestination(chain.Domain, disp, nonceManager, func() bool {
		return nonceManager.NonceGapExists(signer)
	})

	return nil
}
