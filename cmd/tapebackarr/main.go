// Command tapecore is the process composition root: it wires the
// catalog, tape, scanner, archiver, final-directory, and scheduler
// components together and drives them as a long-running daemon, or runs
// a single task execution to completion for scripted/CLI invocation.
//
// The HTTP/API surface, authentication, templating UI, and
// administrative tooling named out of scope in spec.md §1 are not part
// of this binary; operators reach the engine's data through the catalog
// database directly or through an external collaborator that embeds
// this package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapecore/engine/internal/archiver"
	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/config"
	"github.com/tapecore/engine/internal/database"
	"github.com/tapecore/engine/internal/encryption"
	"github.com/tapecore/engine/internal/finaldir"
	"github.com/tapecore/engine/internal/logging"
	"github.com/tapecore/engine/internal/notifications"
	"github.com/tapecore/engine/internal/scanner"
	"github.com/tapecore/engine/internal/scheduler"
	"github.com/tapecore/engine/internal/tapedrive"
	"github.com/tapecore/engine/internal/tapemgr"
	"github.com/tapecore/engine/internal/taskrunner"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	configPath := flag.String("config", "/etc/tapecore/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	runOnce := flag.Int64("run-once", 0, "Clone the given template task and run the resulting execution to completion, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tapecore v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	rawLogger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer rawLogger.Close()
	log := rawLogger.WithFields(nil)

	log.Info("starting tapecore", map[string]interface{}{"version": version, "config": *configPath})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Error("failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Error("failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log.Info("database initialized", map[string]interface{}{"path": cfg.Database.Path})

	store := catalog.New(db)
	writer := catalog.NewWriter(store, log, 256)
	defer writer.Close()

	driver := tapedrive.New(cfg.Tape.ToolPath, cfg.Tape.DefaultDevice, cfg.Tape.DefaultBlockSize, cfg.Tape.GenericDriverFallback)
	tapeMgr := tapemgr.New(store, log, cfg.Tape.DefaultRetentionMonths)

	telegram := notifications.NewTelegramService(notifications.TelegramConfig(cfg.Notifications.Telegram))
	email := notifications.NewEmailService(notifications.EmailConfig(cfg.Notifications.Email))
	notifier := notifications.NewBackupNotifier(telegram, email)
	tapeChangeNotifier := notifications.NewTapeChangeNotifier(telegram, email)

	mountDir := cfg.Tape.LTFSMountPoint
	if mountDir == "" {
		mountDir = "/mnt/ltfs"
	}
	cartridgeWriter := finaldir.NewCartridgeWriter(tapeMgr, store, finaldir.Drive{DevicePath: cfg.Tape.DefaultDevice, Driver: driver}, mountDir, log, tapeChangeNotifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := prepareDrive(ctx, tapeMgr, driver, cartridgeWriter, cfg, log); err != nil {
		log.Warn("no tape cartridge prepared at startup; final-directory writes will fail until one is available", map[string]interface{}{"error": err.Error()})
	}

	monitor := finaldir.New(cfg.Staging.CompressDir, cartridgeWriter, log)
	monitor.Start(ctx)
	defer monitor.Stop()

	startRetentionCheck(ctx, tapeMgr, driver, cfg.Tape.AutoEraseExpired, log)

	runnerCfg := taskrunner.Config{
		Scan: scanner.Options{
			Threads:            cfg.Scan.Threads,
			BatchThreshold:     cfg.Scan.BatchThreshold,
			BatchFlushInterval: time.Duration(cfg.Scan.BatchFlushInterval) * time.Second,
			LogIntervalSeconds: cfg.Scan.LogIntervalSeconds,
		},
		Archive: archiver.Config{
			Method:                     archiver.Method(cfg.Compression.Method),
			Level:                      cfg.Compression.Level,
			Threads:                    cfg.Compression.Threads,
			CommandThreads:             cfg.Compression.CommandThreads,
			DictionarySizeBytes:        cfg.Compression.DictionarySizeBytes,
			ParallelBatches:            cfg.Compression.ParallelBatches,
			MaxUnitBytes:               cfg.Compression.MaxFileSizeBytes,
			StagingDir:                 cfg.Staging.CompressDir,
			EnableBackgroundCopyUpdate: cfg.Staging.EnableBackgroundCopyUpdate,
		},
		FinalizeVerifyTolerance: taskrunner.FinalizeVerifyTolerance,
	}
	if cfg.Encryption.Passphrase != "" {
		runnerCfg.EncryptionKey = encryption.DeriveKey(cfg.Encryption.Passphrase, cfg.Encryption.Salt)
	}
	runner := taskrunner.New(store, writer, monitor, notifier, log, runnerCfg)

	if *runOnce != 0 {
		runSingleExecution(ctx, store, runner, *runOnce, log)
		return
	}

	sched := scheduler.NewService(store, runner, log)
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})

	sched.Stop()
	if cart := tapeMgr.GetCurrentTape(cfg.Tape.DefaultDevice); cart != nil {
		unloadCtx, unloadCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := tapeMgr.UnloadTape(unloadCtx, driver, cfg.Tape.DefaultDevice, nil); err != nil {
			log.Warn("unload tape on shutdown failed", map[string]interface{}{"tape_id": cart.TapeID, "error": err.Error()})
		}
		unloadCancel()
	}
	cancel()
	log.Info("tapecore shutdown complete", nil)
}

// retentionCheckInterval bounds how often CheckRetention re-scans the
// cartridge inventory for newly-expired media.
const retentionCheckInterval = 6 * time.Hour

// startRetentionCheck runs TapeManager.CheckRetention on a fixed
// interval for the lifetime of ctx, erasing newly-expired cartridges
// when autoErase is set (spec.md §4.3 CheckRetentionPeriods).
func startRetentionCheck(ctx context.Context, mgr *tapemgr.Manager, driver *tapedrive.Driver, autoErase bool, log *logging.FieldLogger) {
	go func() {
		ticker := time.NewTicker(retentionCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			expired, err := mgr.CheckRetention(ctx, autoErase, func(ctx context.Context, c *catalogmodel.TapeCartridge) error {
				return mgr.EraseTape(ctx, driver, c.TapeID)
			})
			if err != nil {
				log.Warn("retention check failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(expired) > 0 {
				log.Info("retention check found expired cartridges", map[string]interface{}{"tape_ids": expired, "auto_erase": autoErase})
			}
		}
	}()
}

// prepareDrive selects and loads a cartridge for the default device so
// the final-directory monitor has somewhere to write as soon as archive
// containers start arriving. Absence of an available cartridge is not
// fatal at startup, but selection is not retried later in this process:
// until a cartridge is set on the writer, CartridgeWriter.WriteToTape
// returns an error and the container stays staged.
func prepareDrive(ctx context.Context, mgr *tapemgr.Manager, driver *tapedrive.Driver, writer *finaldir.CartridgeWriter, cfg *config.Config, log *logging.FieldLogger) error {
	cart, err := mgr.SelectCartridge(ctx, 0)
	if err != nil {
		return fmt.Errorf("select cartridge: %w", err)
	}
	if cart == nil {
		return fmt.Errorf("no available cartridge in catalog")
	}

	if err := mgr.PrepareCartridge(ctx, driver, cart, ""); err != nil {
		return fmt.Errorf("prepare cartridge %s: %w", cart.TapeID, err)
	}

	writer.SetActiveCartridge(cart)
	log.Info("tape cartridge prepared", map[string]interface{}{"tape_id": cart.TapeID, "device": cfg.Tape.DefaultDevice})
	return nil
}

// runSingleExecution clones templateID into an execution and drives it
// to a terminal state synchronously, for CLI-triggered one-shot runs
// (scripted invocation in place of the out-of-scope HTTP/API surface).
func runSingleExecution(ctx context.Context, store *catalog.Store, runner *taskrunner.Runner, templateID int64, log *logging.FieldLogger) {
	exec, err := store.CloneTemplateToExecution(ctx, templateID)
	if err != nil {
		log.Error("clone template to execution failed", map[string]interface{}{"template_id": templateID, "error": err.Error()})
		os.Exit(1)
	}

	log.Info("starting one-shot execution", map[string]interface{}{"template_id": templateID, "execution_id": exec.ID})
	if err := runner.RunTask(ctx, exec.ID); err != nil {
		log.Error("execution failed", map[string]interface{}{"execution_id": exec.ID, "error": err.Error()})
		os.Exit(1)
	}

	final, err := store.GetTask(ctx, exec.ID)
	if err != nil {
		log.Error("failed to reload execution after run", map[string]interface{}{"execution_id": exec.ID, "error": err.Error()})
		os.Exit(1)
	}
	log.Info("execution finished", map[string]interface{}{"execution_id": exec.ID, "status": string(final.Status)})
	if final.Status == "failed" {
		os.Exit(1)
	}
}
