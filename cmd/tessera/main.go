package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/internal/server"
	"github.com/omnisource/tessera/internal/stream"
	syncpkg "github.com/omnisource/tessera/internal/sync"
	"github.com/omnisource/tessera/pkg/config"
	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/connector/registry"
	"github.com/omnisource/tessera/pkg/logger"
	"github.com/omnisource/tessera/pkg/metastore"
	"github.com/omnisource/tessera/pkg/sink"
	"github.com/omnisource/tessera/pkg/vault"

	// Import all available connectors to register them
	_ "github.com/omnisource/tessera/pkg/connector/sources/cassandra"
	_ "github.com/omnisource/tessera/pkg/connector/sources/mongodb"
	_ "github.com/omnisource/tessera/pkg/connector/sources/postgis"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string

	root := &cobra.Command{
		Use:   "tessera",
		Short: "Tessera - spatial change capture and distribution engine",
		Long: `Tessera syncs geospatial tables out of operational databases into a
PostGIS feature store with hexagonal indexing, and streams the resulting
changes to live subscribers over WebSocket, SSE, and polling.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tessera v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "connectors",
		Short: "List available source connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available source connectors:")
			for _, t := range registry.List() {
				fmt.Printf("  - %s\n", t)
			}
		},
	})

	root.AddCommand(introspectCommand(&configFile))
	root.AddCommand(syncCommand(&configFile))
	root.AddCommand(serveCommand(&configFile))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and initializes logging.
func bootstrap(configFile string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openConnector materializes a connector session for a layer's datastore.
func openConnector(cfg *config.Config, ref metastore.Ref) (core.SourceConnector, error) {
	meta := metastore.NewStore(cfg.Metastore.Root)
	ds, err := meta.ReadDatastore(ref)
	if err != nil {
		return nil, err
	}
	v, err := vault.NewFileVault(cfg.Vault.Root)
	if err != nil {
		return nil, err
	}
	secret, err := v.Get(ds.CredentialsRef)
	if err != nil {
		return nil, err
	}
	creds, err := core.ParseCredentials(secret)
	if err != nil {
		return nil, err
	}
	return registry.Create(core.SourceType(ds.Type), creds)
}

func introspectCommand(configFile *string) *cobra.Command {
	var schema string
	cmd := &cobra.Command{
		Use:   "introspect <workspace> <datastore>",
		Short: "Discover spatial tables in a datastore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap(*configFile)
			if err != nil {
				return err
			}

			ref := metastore.Ref{Workspace: args[0], Datastore: args[1]}
			conn, err := openConnector(cfg, ref)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx := cmd.Context()
			info, err := conn.TestConnection(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Connected: %s (%dms)\n", info.ServerVersion, info.LatencyMillis)

			schemas := []string{schema}
			if schema == "" {
				schemas, err = conn.ListSchemas(ctx)
				if err != nil {
					return err
				}
			}

			for _, sc := range schemas {
				tables, err := conn.IntrospectSpatialTables(ctx, sc)
				if err != nil {
					return err
				}
				for _, tbl := range tables {
					geomDesc := tbl.GeometryColumn
					if geomDesc == "" {
						geomDesc = tbl.LatColumn + "/" + tbl.LngColumn
					}
					fmt.Printf("  %s.%s  geometry=%s type=%s srid=%d\n",
						tbl.Schema, tbl.Name, geomDesc, tbl.GeometryType, tbl.SRID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "restrict discovery to one schema")
	return cmd
}

func syncCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <workspace> <datastore> <layer>",
		Short: "Run one sync for a layer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap(*configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			sk, err := sink.New(ctx, cfg.Sink.DSN, cfg.Sink.MaxConns)
			if err != nil {
				return err
			}
			defer sk.Close()
			if err := sk.EnsureSchema(ctx); err != nil {
				return err
			}

			v, err := vault.NewFileVault(cfg.Vault.Root)
			if err != nil {
				return err
			}
			meta := metastore.NewStore(cfg.Metastore.Root)

			orch := syncpkg.NewOrchestrator(meta, v, sk, sk, sk, nil, cfg.Sync)
			ref := metastore.Ref{Workspace: args[0], Datastore: args[1], Layer: args[2]}
			res := orch.SyncLayer(ctx, ref)

			fmt.Printf("status=%s mode=%s read=%d written=%d skipped=%d cells=%d duration=%s\n",
				res.Status, res.Mode, res.Read, res.Written, res.Skipped,
				res.IndexCellsWritten, res.Duration)
			if res.Status == syncpkg.StatusFailed {
				return fmt.Errorf("sync failed: %s", res.ErrorMessage)
			}
			return nil
		},
	}
}

func serveCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap(*configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sk, err := sink.New(ctx, cfg.Sink.DSN, cfg.Sink.MaxConns)
			if err != nil {
				return err
			}
			defer sk.Close()
			if err := sk.EnsureSchema(ctx); err != nil {
				return err
			}

			v, err := vault.NewFileVault(cfg.Vault.Root)
			if err != nil {
				return err
			}
			meta := metastore.NewStore(cfg.Metastore.Root)

			broker := stream.NewBroker(sk, cfg.Stream.DeliveryBatchLimit)
			orch := syncpkg.NewOrchestrator(meta, v, sk, sk, sk, broker, cfg.Sync)
			sched := syncpkg.NewScheduler(meta, orch, cfg.Scheduler)

			go sched.Run(ctx)

			srv := server.New(broker, sk, sched, meta, cfg.Stream)
			logger.Info("tessera starting", zap.String("version", version))
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}
}
