package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/cache"
	"store-sync-service/internal/config"
	"store-sync-service/internal/database"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/store"
	"store-sync-service/internal/sync"
)

var (
	configPath  string
	storeID     string
	operationID string
	maxItems    int
	simulate    bool
	fullSync    bool
	continuous  bool
	intervalMin int
)

func main() {
	root := &cobra.Command{
		Use:   "syncctl",
		Short: "Operator tool for the store sync queue",
		Long: `syncctl drains the synchronization queue from the command line:
one batch by default, a single operation with --operation, a recorded
full sync with --completa, or a long-running loop with --continuo.`,
		SilenceUsage: true,
		RunE:         run,
	}

	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	root.Flags().StringVar(&storeID, "store", "", "limit processing to operations from this store")
	root.Flags().StringVar(&operationID, "operation", "", "process exactly one operation by id")
	root.Flags().IntVar(&maxItems, "max", 0, "maximum operations to process (0 = configured batch size)")
	root.Flags().BoolVar(&simulate, "simulate", false, "evaluate without applying or changing statuses")
	root.Flags().BoolVar(&fullSync, "completa", false, "run a recorded full sync for the store")
	root.Flags().BoolVar(&continuous, "continuo", false, "keep processing on an interval until interrupted")
	root.Flags().IntVar(&intervalMin, "intervalo", 10, "minutes between passes in continuous mode")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.InitLogger(cfg.Logging.Level, "console"); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	db, err := database.Open(cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("failed to open state storage: %w", err)
	}
	stateStore, err := store.New(db)
	if err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}
	defer stateStore.Close()

	records, err := entity.NewRecordStore(db)
	if err != nil {
		return fmt.Errorf("failed to init entity records: %w", err)
	}

	manager := sync.NewManager(cfg, stateStore, records, cache.NewManager(cfg.Cache, records), bus.New())
	manager.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case fullSync:
		return runFullSync(ctx, cmd, manager, cfg.StoreID)
	case continuous:
		return runContinuous(ctx, cmd, manager)
	default:
		return runOnce(ctx, cmd, manager)
	}
}

func runOnce(ctx context.Context, cmd *cobra.Command, manager *sync.Manager) error {
	var (
		result *sync.Result
		err    error
	)
	if operationID != "" {
		result, err = manager.ProcessOne(ctx, operationID, simulate)
	} else {
		result, err = manager.ProcessPending(ctx, storeID, maxItems, simulate)
	}
	if err != nil {
		return err
	}
	printResult(cmd, result)
	return nil
}

func runFullSync(ctx context.Context, cmd *cobra.Command, manager *sync.Manager, defaultStore string) error {
	target := storeID
	if target == "" {
		target = defaultStore
	}
	run, err := manager.TriggerFullSync(ctx, target, "syncctl")
	if err != nil {
		return err
	}
	cmd.Printf("Full sync %s for store %s: %d total, %d succeeded, %d failed, %d conflicted\n",
		run.ID, run.StoreID, run.Total, run.Succeeded, run.Failed, run.Conflicted)
	return nil
}

func runContinuous(ctx context.Context, cmd *cobra.Command, manager *sync.Manager) error {
	if intervalMin < 1 {
		return fmt.Errorf("intervalo must be at least 1 minute")
	}
	interval := time.Duration(intervalMin) * time.Minute
	cmd.Printf("Processing every %s, Ctrl-C to stop\n", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := manager.ProcessPending(ctx, storeID, maxItems, simulate)
		if err != nil {
			logger.Log.Error("Processing pass failed", zap.Error(err))
		} else {
			printResult(cmd, result)
		}

		select {
		case <-ctx.Done():
			cmd.Println("Stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func printResult(cmd *cobra.Command, result *sync.Result) {
	mode := ""
	if simulate {
		mode = " (simulated)"
	}
	cmd.Printf("Processed%s: %d succeeded, %d failed, %d conflicted, %d skipped\n",
		mode, result.Succeeded, result.Failed, result.Conflicted, result.Skipped)
	for entityType, tc := range result.PerType {
		cmd.Printf("  %s: %d succeeded, %d failed, %d conflicted\n",
			entityType, tc.Succeeded, tc.Failed, tc.Conflicted)
	}
}
