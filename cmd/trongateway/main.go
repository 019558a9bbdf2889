// Command trongateway runs the Tron-family ingestion and notification
// core. Subcommand wiring follows the teacher's cmd/cli convention of a
// root cobra.Command with independent leaf subcommands rather than a
// single monolithic main.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"trongateway-core/api"
	"trongateway-core/auth"
	"trongateway-core/cache"
	"trongateway-core/callback"
	"trongateway-core/config"
	"trongateway-core/eventbus"
	"trongateway-core/nodeclient"
	"trongateway-core/pkg/utils"
	"trongateway-core/scanner"
	"trongateway-core/store"
	"trongateway-core/stream"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "trongateway",
		Short: "Tron-family ingestion and notification core",
	}
	defaultConfigPath := utils.EnvOrDefault("TGW_CONFIG", "")
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to a YAML config file")

	root.AddCommand(serveCmd(), migrateCmd(), resumeReorgCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the ingestion pipeline and HTTP/stream surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe constructs every component in the order fixed by SPEC_FULL.md
// §2: Store -> Cache -> NodeClient -> EventBus -> Scanner ->
// CallbackDispatcher -> StreamSessionManager, then serves HTTP until an
// interrupt arrives.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(cfg.Cache.TxTTL, cfg.Cache.MultiTTL, cfg.Cache.AddressStatsTTL)
	}

	nodes := nodeclient.NewPool(cfg.Nodes)

	bus := eventbus.New()
	bus.RegisterGroup(eventbus.GroupCallback, eventbus.Blocking, cfg.EventBus.CallbackQueueCapacity)
	bus.RegisterGroup(eventbus.GroupStream, eventbus.Lossy, cfg.EventBus.StreamQueueCapacity)

	sc := scanner.New(*cfg, st, nodes, bus, c)
	dispatcher := callback.New(*cfg, st, bus)
	authenticator := auth.NewCredentialVerifier(st)
	streamManager := stream.New(*cfg, bus, authenticator)

	group := newRunGroup()
	group.spawn(func() error { return sc.Run(ctx) })
	group.spawn(func() error { return dispatcher.Run(ctx) })
	group.spawn(func() error { return streamManager.Run(ctx) })

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.New(*cfg, st, bus, c, authenticator, streamManager.SessionCount),
	}
	streamMux := http.NewServeMux()
	streamMux.HandleFunc(cfg.HTTP.StreamPath, streamManager.HandleWS)
	streamMux.Handle("/", httpServer.Handler)
	httpServer.Handler = streamMux

	group.spawn(func() error {
		logrus.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	logrus.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Callback.ShutdownGrace)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return group.wait()
}

func migrateCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runMigrate(cfg.Store.DSN, direction)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	return cmd
}

func runMigrate(dsn, direction string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://store/migrations", "postgres", driver)
	if err != nil {
		return err
	}
	switch direction {
	case "down":
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func resumeReorgCmd() *cobra.Command {
	var height uint64
	cmd := &cobra.Command{
		Use:   "resume-reorg",
		Short: "acknowledge a ReorgTooDeep halt and rewind to a confirmed height",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := store.NewPostgres(ctx, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close(ctx)
			if err := st.RewindTo(ctx, height); err != nil {
				return err
			}
			fmt.Printf("cursor rewound to %d; restart serve to resume ingestion\n", height)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&height, "height", 0, "height to rewind to, the last block both chains agree on")
	_ = cmd.MarkFlagRequired("height")
	return cmd
}

func setLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// runGroup collects goroutine errors the way the teacher's cmd/explorer
// main waits on its server/indexer pair, generalized to an arbitrary
// number of long-running components.
type runGroup struct {
	errs chan error
	n    int
}

func newRunGroup() *runGroup {
	return &runGroup{errs: make(chan error, 8)}
}

func (g *runGroup) spawn(fn func() error) {
	g.n++
	go func() { g.errs <- fn() }()
}

func (g *runGroup) wait() error {
	var first error
	for i := 0; i < g.n; i++ {
		if err := <-g.errs; err != nil && err != context.Canceled && first == nil {
			first = err
		}
	}
	return first
}
