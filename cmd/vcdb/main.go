package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/myuser/vcdb"
	_ "github.com/myuser/vcdb/engine/memory"
	_ "github.com/myuser/vcdb/engine/replicated"
	_ "github.com/myuser/vcdb/engine/sqlite"
	"github.com/myuser/vcdb/internal/config"
	"github.com/myuser/vcdb/internal/schema"
	"github.com/myuser/vcdb/internal/sql"
)

var (
	configPath string
	engineName string
	connection string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vcdb",
		Short:         "Key-value database front end over pluggable engines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&engineName, "engine", "", "engine name, overrides the configuration")
	root.PersistentFlags().StringVar(&connection, "conn", "", "connection string, overrides the configuration")

	root.AddCommand(
		newEnginesCmd(),
		newCreateCmd(),
		newDeleteCmd(),
		newExecCmd(),
		newShellCmd(),
		newServeCmd(),
		newBenchCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("vcdb: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if engineName != "" {
		cfg.Engine = engineName
	}
	if connection != "" {
		cfg.Connection = connection
	}
	return cfg, cfg.Validate()
}

// session is a builder populated from the configured schema.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	schema  *schema.Schema
	builder *vcdb.Builder
}

func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)

	s, err := schema.New(cfg.Datastores)
	if err != nil {
		return nil, err
	}
	b, err := vcdb.NewBuilder(cfg.Engine, cfg.Connection, vcdb.WithGrowth(cfg.Growth), vcdb.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("engine %q: %w", cfg.Engine, err)
	}
	if err := s.AddTo(b); err != nil {
		b.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, schema: s, builder: b}, nil
}

// openOrCreate opens the configured database, creating it when it does not
// exist yet.
func (s *session) openOrCreate() (*vcdb.Database, error) {
	db, err := s.builder.Open()
	if err == nil {
		return db, nil
	}
	s.logger.Info("open failed, creating database", "connection", s.cfg.Connection, "err", err)
	db, cerr := s.builder.Create()
	if cerr != nil {
		return nil, fmt.Errorf("open: %v, create: %w", err, cerr)
	}
	return db, nil
}

func (s *session) close() {
	if err := s.builder.Close(); err != nil {
		s.logger.Warn("builder close failed", "err", err)
	}
}

func newExecutorFor(s *session, db *vcdb.Database) *sql.Executor {
	return sql.NewExecutor(db, s.schema, s.logger)
}
