package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/orneryd/graphkv/pkg/codec"
	"github.com/orneryd/graphkv/pkg/config"
	"github.com/orneryd/graphkv/pkg/encryption"
	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/metrics"
	"github.com/orneryd/graphkv/pkg/storage"
)

// cli holds the flags and the state resolved from them before a command runs.
type cli struct {
	configPath   string
	dataDir      string
	backend      string
	codecName    string
	logLevel     string
	printMetrics bool

	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "graphkv",
		Short: "graphkv - property graph storage over embedded key-value stores",
		Long: `graphkv stores nodes, edges and per-node adjacency indexes in an
embedded ordered key-value store.

Backends:
  • badger  transactional LSM store (default)
  • log     append-only log with an in-memory index
  • memory  in-process, for experiments`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.dumpMetrics(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "YAML config file (GRAPHKV_* environment variables take precedence)")
	pf.StringVar(&c.dataDir, "data-dir", "", "Data directory")
	pf.StringVar(&c.backend, "backend", "", "Storage backend: badger, log or memory")
	pf.StringVar(&c.codecName, "codec", "", "Record encoding: binary or json")
	pf.StringVar(&c.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")
	pf.BoolVar(&c.printMetrics, "print-metrics", false, "Print Prometheus metrics to stderr when the command finishes")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphkv v%s (%s)\n", version, commit)
		},
	})
	root.AddCommand(
		c.nodeCmd(),
		c.edgeCmd(),
		c.adjCmd(),
		c.importCmd(),
		c.verifyCmd(),
		c.statsCmd(),
		c.compactCmd(),
	)
	return root
}

// setup loads the configuration, applies flag overrides and builds the
// logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.Storage.DataDir = c.dataDir
	}
	if c.backend != "" {
		cfg.Storage.Backend = c.backend
	}
	if c.codecName != "" {
		cfg.Codec.Format = c.codecName
	}
	if c.logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(c.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.cfg = cfg
	c.log = cfg.Logging.NewLogger(cmd.ErrOrStderr())
	c.registry = prometheus.NewRegistry()
	c.log.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// open opens the graph store described by the configuration.
func (c *cli) open() (*graph.Store, error) {
	cd, err := buildCodec(c.cfg.Codec, c.log)
	if err != nil {
		return nil, err
	}
	policy, err := graph.ParseConflictPolicy(c.cfg.Graph.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	store, err := graph.Open(storageOptions(c.cfg.Storage, c.log), cd,
		graph.WithConflictPolicy(policy),
		graph.WithBulkChunkSize(c.cfg.Graph.BulkChunkSize),
		graph.WithLogger(c.log),
		graph.WithMetrics(metrics.New(c.registry)),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return store, nil
}

func storageOptions(sc config.StorageConfig, log *slog.Logger) storage.Options {
	return storage.Options{
		Backend:           strings.ToLower(sc.Backend),
		Dir:               sc.DataDir,
		InMemory:          sc.InMemory,
		SyncWrites:        sc.SyncWrites,
		LowMemory:         sc.LowMemory,
		MemTableSize:      int64(sc.MemTableSize),
		ValueLogFileSize:  int64(sc.ValueLogFileSize),
		SyncMode:          strings.ToLower(sc.SyncMode),
		BatchSyncInterval: sc.BatchSyncInterval,
		Logger:            log,
	}
}

func buildCodec(cc config.CodecConfig, log *slog.Logger) (codec.Codec, error) {
	base, err := codec.New(cc.Format)
	if err != nil {
		return nil, err
	}
	if !cc.EncryptionEnabled {
		return base, nil
	}
	ecfg := encryption.DefaultConfig()
	if cc.EncryptionSalt != "" {
		ecfg.KeyDerivation.Salt = []byte(cc.EncryptionSalt)
	}
	if cc.KeyIterations > 0 {
		ecfg.KeyDerivation.Iterations = cc.KeyIterations
	}
	enc, err := encryption.NewEncryptorWithPasswords(cc.EncryptionPassword, cc.RetiredPasswords, ecfg)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	log.Debug("encryption at rest enabled",
		"key_version", enc.CurrentVersion(), "retired_keys", len(cc.RetiredPasswords))
	return codec.NewSealed(base, enc)
}

func (c *cli) dumpMetrics(w io.Writer) error {
	if !c.printMetrics || c.registry == nil {
		return nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
