package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/agingos/agingos-go-rewrite/internal/anomaly"
	"github.com/agingos/agingos-go-rewrite/internal/api"
	"github.com/agingos/agingos-go-rewrite/internal/auth"
	"github.com/agingos/agingos-go-rewrite/internal/baseline"
	"github.com/agingos/agingos-go-rewrite/internal/config"
	"github.com/agingos/agingos-go-rewrite/internal/deviations"
	"github.com/agingos/agingos-go-rewrite/internal/episodes"
	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/insights"
	"github.com/agingos/agingos-go-rewrite/internal/logging"
	"github.com/agingos/agingos-go-rewrite/internal/monitormode"
	"github.com/agingos/agingos-go-rewrite/internal/occupancy"
	"github.com/agingos/agingos-go-rewrite/internal/proposals"
	"github.com/agingos/agingos-go-rewrite/internal/reports"
	"github.com/agingos/agingos-go-rewrite/internal/scheduler"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
	"github.com/agingos/agingos-go-rewrite/internal/system"
	"github.com/agingos/agingos-go-rewrite/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "agingos",
	Short:   "AgingOS - passive home sensor analytics",
	Long:    `AgingOS ingests motion, door and presence events from a home sensor setup and turns them into deviations, anomaly episodes and care proposals.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashKeyCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AgingOS %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the bcrypt hash of an API key for AGINGOS_API_KEYS",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := resolveKey(args)
		if err != nil {
			return err
		}
		if key == "" {
			return fmt.Errorf("key must not be empty")
		}
		hash, err := auth.HashKey(key)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

var readPassword = term.ReadPassword

// resolveKey takes the key from the argument when given, prompts without
// echo on a terminal, and otherwise reads one line from stdin so the
// command can be piped into.
func resolveKey(args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, "API key: ")
		raw, err := readPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "agingos",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "agingos",
	})

	log.Info().
		Str("version", Version).
		Str("timezone", cfg.Timezone).
		Msg("Starting AgingOS server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	defer db.Close()

	rules, err := config.NewRuleProvider(cfg.RulesConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RulesConfigPath).Msg("Failed to load rule config")
	}

	// Store and service graph. Everything shares the single database
	// connection; the stores serialize access through it.
	eventStore := events.NewStore(db)
	episodeStore := episodes.NewStore(db)
	episodeService := episodes.NewService(eventStore, episodeStore)
	baselineStore := baseline.NewStore(db)
	anomalyStore := anomaly.NewStore(db)
	proposalStore := proposals.NewStore(db)
	modeStore := monitormode.NewStore(db)
	deviationStore := deviations.NewStore(db)
	deviationService := deviations.NewService(deviationStore, eventStore, modeStore, cfg.Location)
	runner := anomaly.NewRunner(
		episodeService,
		anomaly.NewScorer(episodeStore, eventStore, baselineStore),
		anomaly.NewLifecycle(anomalyStore),
		baselineStore,
		cfg.Location,
	)

	hub := websocket.NewHub()

	sched := scheduler.New(db, scheduler.Pipeline{
		Rules:      rules,
		Deviations: deviationService,
		Anomalies:  runner,
		Miner:      proposals.NewMiner(proposalStore, anomalyStore, cfg.Location),
		Proposals:  proposalStore,
	})
	sched.OnComplete = func(key string, payload any, err error) {
		if err != nil {
			hub.BroadcastJob(map[string]any{"key": key, "error": err.Error()})
			return
		}
		hub.BroadcastJob(map[string]any{"key": key, "summary": payload})
	}

	rulesWatcher, err := config.NewRulesWatcher(rules)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create rule config watcher, edits will require restart")
	} else if err := rulesWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start rule config watcher")
	}

	dataDir, err := filepath.Abs(filepath.Dir(cfg.DBPath))
	if err != nil {
		dataDir = filepath.Dir(cfg.DBPath)
	}

	handler := api.NewRouter(api.Deps{
		Config:     cfg,
		Rules:      rules,
		Events:     eventStore,
		Deviations: deviationStore,
		Evaluator:  deviationService,
		Anomalies:  anomalyStore,
		Runner:     runner,
		Proposals:  proposalStore,
		Modes:      modeStore,
		Occupancy:  occupancy.NewService(eventStore, occupancy.NewEstimator(occupancy.DefaultParams())),
		Baseline:   baselineStore,
		Insights:   insights.NewClient(cfg.InsightsURL, cfg.InsightsAPIKey, cfg.InsightsTimeout),
		Reports:    reports.NewService(db, cfg.Location),
		System:     system.NewCollector(dataDir),
		Scheduler:  sched,
		Hub:        hub,
		Version:    Version,
	})

	// ReadHeaderTimeout rather than ReadTimeout: a connection deadline
	// would survive the websocket upgrade and kill idle clients.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(runCtx)
		return nil
	})

	if cfg.SchedulerEnabled {
		sched.Start(runCtx)
	} else {
		log.Info().Msg("Scheduler disabled, jobs only run via the API")
	}

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Listen).
			Str("auth", cfg.AuthMode).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// SIGHUP reloads the rule config without a restart.
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	g.Go(func() error {
		for {
			select {
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading rule config")
				if rulesWatcher != nil {
					rulesWatcher.Reload()
				} else if err := rules.Reload(); err != nil {
					log.Error().Err(err).Msg("Failed to reload rule config")
				}
			case <-runCtx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	sched.Stop()
	if rulesWatcher != nil {
		rulesWatcher.Stop()
	}

	log.Info().Msg("Server stopped")
}
