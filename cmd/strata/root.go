package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aretw0/strata"
	"github.com/aretw0/strata/pkg/core"
)

var (
	verbose        bool
	configPath     string
	adapterName    string
	storagePath    string
	databaseName   string
	collectionName string
	primaryKey     string
	recordFormat   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "A document storage engine with revisions, change feeds and queries",
	Long: `Strata stores JSON documents in pluggable backends (fs, leveldb, memory).
Every write is checked against the stored revision and recorded in an ordered change log.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		}))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&configPath, "config", "", "Project file (default: strata.yaml found upwards from the working directory)")
	flags.StringVar(&adapterName, "adapter", "", "Storage adapter: fs, leveldb or memory")
	flags.StringVar(&storagePath, "path", "", "Storage root directory")
	flags.StringVar(&databaseName, "db", "", "Database name")
	flags.StringVar(&collectionName, "collection", "", "Collection name")
	flags.StringVar(&primaryKey, "primary-key", "", "Primary key field")
	flags.StringVar(&recordFormat, "format", "", "fs record format: json or yaml")
}

// settings merges the project file with the flags set on cmd.
func settings(cmd *cobra.Command) (strata.Config, error) {
	cfg := strata.DefaultConfig()

	file := configPath
	if file == "" {
		if wd, err := os.Getwd(); err == nil {
			if root, err := strata.FindRoot(wd); err == nil {
				candidate := filepath.Join(root, strata.ConfigFile)
				if _, err := os.Stat(candidate); err == nil {
					file = candidate
				}
			}
		}
	}
	if file != "" {
		var err error
		if cfg, err = strata.LoadConfig(file); err != nil {
			return cfg, err
		}
		slog.Debug("config loaded", "file", file)
	}

	flags := cmd.Flags()
	if flags.Changed("adapter") {
		cfg.Adapter = adapterName
	}
	if flags.Changed("path") {
		cfg.Path = storagePath
	}
	if flags.Changed("db") {
		cfg.Database = databaseName
	}
	if flags.Changed("collection") {
		cfg.Collection = collectionName
	}
	if flags.Changed("primary-key") {
		cfg.PrimaryKey = primaryKey
	}
	if flags.Changed("format") {
		cfg.Format = recordFormat
	}
	return cfg, nil
}

// session is an open storage instance for one command run.
type session struct {
	cfg    strata.Config
	store  *strata.Storage
	opener core.Opener
	inst   *strata.Instance
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := settings(cmd)
	if err != nil {
		return nil, err
	}

	opts := append(cfg.Options(), strata.WithLogger(slog.Default()), strata.WithDevSafety(false))
	opener, err := strata.Init(cfg.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s adapter: %w", cfg.Adapter, err)
	}
	st, err := strata.New(cfg.Path, append(opts, strata.WithOpener(opener))...)
	if err != nil {
		return nil, err
	}
	inst, err := st.CreateStorageInstance(ctx, cfg.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s/%s: %w", cfg.Database, cfg.Collection, err)
	}
	return &session{cfg: cfg, store: st, opener: opener, inst: inst}, nil
}

func (s *session) Close() {
	if err := s.inst.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
