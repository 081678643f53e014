package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/audit"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/config"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/db"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/mirror"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "chunk-lifecycle",
		Short:         "Chunk lifecycle and preserved catalog service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.output != "table" && a.output != "json" {
				return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", a.output)
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			// Flags win over file and environment.
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = a.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = a.logFormat
			}
			logging.Setup(cfg.Log)
			a.cfg = cfg
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("CHUNK_CONFIG"), "Path to YAML configuration")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&a.output, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newLoadCmd(a))
	rootCmd.AddCommand(newChunksCmd(a))
	rootCmd.AddCommand(newCatalogCmd(a))
	rootCmd.AddCommand(newAuditCmd(a))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "chunk-lifecycle %s (%s)\n", Version, GitSHA)
			return err
		},
	}
}

func (a *app) producer() audit.ProducerInfo {
	return audit.ProducerInfo{Name: "chunk-lifecycle", Version: Version, GitSHA: GitSHA}
}

func (a *app) openStore(ctx context.Context) (objectstore.Store, func(), error) {
	store, err := objectstore.New(ctx, a.cfg.ObjectStore)
	if err != nil {
		return nil, nil, fmt.Errorf("create object store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

// openDB opens the database with the mirror and audit commit hooks attached.
// The returned cleanup closes everything in reverse order.
func (a *app) openDB(ctx context.Context) (*db.Db, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	mw, err := mirror.NewWriter(ctx, a.cfg.Mirror)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("create mirror: %w", err)
	}
	em := audit.NewEmitter(a.cfg.Audit)

	dbCfg := a.cfg.DBConfig()
	dbCfg.Catalog.OnCommit = append(dbCfg.Catalog.OnCommit,
		mirror.Hook(mw, a.cfg.Database),
		audit.Hook(em, a.cfg.Database, a.producer()),
	)

	d, err := db.Open(ctx, store, dbCfg)
	if err != nil {
		em.Close()
		mw.Close()
		closeStore()
		return nil, nil, err
	}

	cleanup := func() {
		log := logging.Component("main")
		if err := d.Close(); err != nil {
			log.Warn("close database", "error", err)
		}
		if err := em.Close(); err != nil {
			log.Warn("close audit emitter", "error", err)
		}
		if err := mw.Close(); err != nil {
			log.Warn("close mirror", "error", err)
		}
		closeStore()
	}
	return d, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
