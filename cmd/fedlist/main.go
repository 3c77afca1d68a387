package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fedlist/internal/config"
	"fedlist/internal/fetcher"
	"fedlist/internal/logger"
	"fedlist/internal/storage"
)

// Default file names inside the data directory.
const (
	instancesFile  = "instances.json"
	candidatesFile = "peer_candidates.json"
	filteredFile   = "peers.filtered.json"
	rejectedFile   = "peers.rejected.json"
)

var rootCmd = &cobra.Command{
	Use:   "fedlist",
	Short: "Fediverse instance directory pipeline",
	Long: `fedlist maintains a directory of federated social-network servers.

  discover  list peers of verified hosts that are not known yet
  filter    drop spam-looking candidates before they are probed
  collect   probe hosts and store verified (ok) or failed (bad) stats
  serve     serve the curated list merged with collected stats as JSON
  show      print the stored record of one host
  alias     map a host to its canonical host in the same zone`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	config.Defaults(viper.GetViper())
}

func addPersistentFlags() {
	f := rootCmd.PersistentFlags()
	f.String(config.KeyDataDir, "./data", "data directory")
	f.String(config.KeyStore, config.StoreFile, "statistics store: file or sqlite")
	f.String(config.KeyDB, "", "sqlite database path (default <data-dir>/fedlist.db)")
	f.String(config.KeyLogLevel, "info", "log level: debug, info, warn, error")
	f.Bool(config.KeyPrettyLog, false, "human readable console logs")
	f.Duration(config.KeyTimeout, 5*time.Second, "per-request timeout")
	f.Bool(config.KeyJSON, false, "print JSON instead of tables")

	for _, key := range []string{
		config.KeyDataDir, config.KeyStore, config.KeyDB, config.KeyLogLevel,
		config.KeyPrettyLog, config.KeyTimeout, config.KeyJSON,
	} {
		_ = viper.BindPFlag(key, f.Lookup(key))
	}
}

func registerCommands() {
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(filterCmd())
	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(aliasCmd())
	rootCmd.AddCommand(pipelineCmd())
}

// app carries what every command needs after configuration is loaded.
type app struct {
	cfg *config.Config
	log logger.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.PrettyLog)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

func (a *app) openStore() (storage.Storage, error) {
	switch a.cfg.Store {
	case config.StoreSQLite:
		if dir := filepath.Dir(a.cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := storage.NewSQLite(a.cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewFileStore(a.cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	}
}

func (a *app) fetcher() *fetcher.Fetcher {
	f := fetcher.New(fetcher.NewHTTPClient(), a.cfg.Timeout)
	f.SetUserAgent(a.cfg.UserAgent)
	return f
}

// withApp loads configuration and runs fn with a ready app.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a)
	}
}
