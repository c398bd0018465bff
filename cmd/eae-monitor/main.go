package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"eae-monitor/monitor"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	flagDB       string
	flagPortal   string
	flagApp      string
	flagYear     int
	flagInterval time.Duration
	flagListen   string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "eae-monitor",
	Short: "Validation-message monitor for the EAE subsidy portal",
	Long:  "Polls the portal's validation-check endpoint for one application, tracks message deltas across polls, and serves snapshots to UI clients over a local websocket bridge.",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file path")
	pf.StringVar(&flagDB, "db", "eae-monitor.db", "SQLite database path")
	pf.StringVar(&flagPortal, "portal-url", "", "Portal API base URL")
	pf.StringVar(&flagApp, "application", "", "Active application id")
	pf.IntVar(&flagYear, "year", 0, "Application year (default: current year)")
	pf.DurationVar(&flagInterval, "interval", 30*time.Second, "Poll interval")
	pf.StringVar(&flagListen, "listen", "", "Websocket bridge listen address")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logs")
	rootCmd.AddCommand(runCmd, onceCmd, dismissedCmd, historyCmd)
	dismissedCmd.AddCommand(dismissedListCmd, dismissedRestoreCmd, dismissedClearCmd)
}

func loadConfig(cmd *cobra.Command) (*monitor.FileConfig, error) {
	cfg := monitor.DefaultConfig()
	if configPath != "" {
		loaded, err := monitor.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	f := cmd.Flags()
	if f.Changed("db") {
		cfg.DB = flagDB
	}
	if f.Changed("portal-url") {
		cfg.PortalURL = flagPortal
	}
	if f.Changed("application") {
		cfg.ApplicationID = flagApp
	}
	if f.Changed("year") {
		cfg.Year = flagYear
	}
	if f.Changed("interval") {
		cfg.PollInterval = monitor.Duration(flagInterval)
	}
	if f.Changed("listen") {
		cfg.ListenAddr = flagListen
	}
	if f.Changed("debug") {
		cfg.Debug = flagDebug
	}
	return cfg, nil
}

func openStore(cfg *monitor.FileConfig) (*monitor.SettingsStore, error) {
	db, err := monitor.OpenDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return monitor.NewSettingsStore(db), nil
}

func buildLedger(ctx context.Context, cfg *monitor.FileConfig, store *monitor.SettingsStore) (*monitor.Ledger, error) {
	if err := store.SetRestoreOnNewApplication(ctx, cfg.RestoreDismissedOnNewApp); err != nil {
		return nil, err
	}
	ledger, err := monitor.NewLedger(monitor.LedgerConfig{Store: store, Debug: cfg.Debug})
	if err != nil {
		return nil, err
	}
	if err := ledger.Hydrate(ctx); err != nil {
		return nil, err
	}
	if err := ledger.SetApplicationID(ctx, cfg.ApplicationID); err != nil {
		return nil, err
	}
	return ledger, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the poll daemon with the websocket bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		ledger, err := buildLedger(ctx, cfg, store)
		if err != nil {
			return err
		}

		var pollerMu sync.Mutex
		poller, err := startPoller(ctx, cfg, ledger, store)
		if err != nil {
			return err
		}

		bridge := monitor.NewBridge(ledger, cfg.Debug)
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: bridge}
		go func() {
			log.Printf("bridge listening on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("bridge server: %v", err)
			}
		}()

		if configPath != "" {
			stopWatch, err := monitor.WatchConfig(configPath, func(next *monitor.FileConfig) {
				log.Printf("config changed, restarting poller")
				pollerMu.Lock()
				defer pollerMu.Unlock()
				poller.Stop()
				if err := store.SetRestoreOnNewApplication(ctx, next.RestoreDismissedOnNewApp); err != nil {
					log.Printf("apply restore policy: %v", err)
				}
				if err := ledger.SetApplicationID(ctx, next.ApplicationID); err != nil {
					log.Printf("switch application: %v", err)
				}
				replacement, err := startPoller(ctx, next, ledger, store)
				if err != nil {
					log.Printf("restart poller: %v", err)
					return
				}
				poller = replacement
			})
			if err != nil {
				return fmt.Errorf("watch config: %w", err)
			}
			defer stopWatch()
		}

		<-ctx.Done()
		log.Printf("shutting down")
		pollerMu.Lock()
		poller.Stop()
		pollerMu.Unlock()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func startPoller(ctx context.Context, cfg *monitor.FileConfig, ledger *monitor.Ledger, store *monitor.SettingsStore) (*monitor.Poller, error) {
	poller, err := monitor.NewPoller(monitor.PollerConfig{
		Ledger:   ledger,
		Source:   monitor.NewPortalClient(cfg.PortalURL, cfg.Debug),
		Audit:    store,
		Year:     cfg.Year,
		Interval: time.Duration(cfg.PollInterval),
		Debug:    cfg.Debug,
	})
	if err != nil {
		return nil, err
	}
	poller.Start(ctx)
	return poller, nil
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single poll and print the snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.ApplicationID == "" {
			return fmt.Errorf("an application id is required (--application or config application_id)")
		}

		ctx := cmd.Context()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		ledger, err := buildLedger(ctx, cfg, store)
		if err != nil {
			return err
		}
		poller, err := monitor.NewPoller(monitor.PollerConfig{
			Ledger: ledger,
			Source: monitor.NewPortalClient(cfg.PortalURL, cfg.Debug),
			Audit:  store,
			Year:   cfg.Year,
			Debug:  cfg.Debug,
		})
		if err != nil {
			return err
		}
		if err := poller.PollNow(ctx); err != nil {
			return err
		}
		out, err := json.MarshalIndent(ledger.Snapshot(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var dismissedCmd = &cobra.Command{
	Use:   "dismissed",
	Short: "Inspect and edit the permanently dismissed message ids",
}

var dismissedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List permanently dismissed message ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		ids, err := store.DismissedIDs(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var dismissedRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Remove one id from the permanently dismissed set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		ids, err := store.DismissedIDs(ctx)
		if err != nil {
			return err
		}
		kept := make([]string, 0, len(ids))
		for _, id := range ids {
			if id != args[0] {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(ids) {
			fmt.Printf("id %s not in dismissed set\n", args[0])
			return nil
		}
		return store.SaveDismissedIDs(ctx, kept)
	},
}

var dismissedClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Restore all permanently dismissed messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		return store.SaveDismissedIDs(cmd.Context(), nil)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent poll outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		recs, err := store.RecentPolls(cmd.Context(), 20)
		if err != nil {
			return err
		}
		for _, r := range recs {
			status := "ok"
			if r.LastError != "" {
				status = "error: " + r.LastError
			}
			fmt.Printf("%s app=%s messages=%d new=%d removed=%d %dms %s\n",
				r.PolledAt.Format(time.RFC3339), r.ApplicationID, r.MessageCount, r.NewCount, r.RemovedCount, r.DurationMS, status)
		}
		return nil
	},
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
