package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/luftsport/nif-integration/pkg/api"
	"github.com/luftsport/nif-integration/pkg/changelog"
	"github.com/luftsport/nif-integration/pkg/config"
	"github.com/luftsport/nif-integration/pkg/coordinator"
	"github.com/luftsport/nif-integration/pkg/daemon"
	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/geocode"
	"github.com/luftsport/nif-integration/pkg/integration"
	"github.com/luftsport/nif-integration/pkg/log"
	"github.com/luftsport/nif-integration/pkg/metrics"
	"github.com/luftsport/nif-integration/pkg/nif"
	"github.com/luftsport/nif-integration/pkg/stream"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nifintegration",
	Short: "Change data capture bridge between the NIF federation api and Lungo",
	Long: `nifintegration keeps a Lungo document store in step with the NIF
federation api. Per club sync workers poll the upstream change feeds
into a durable change log; the stream consumer projects each change
into the corresponding downstream collection.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			cfg = config.Default()
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nifintegration version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file")

	recoverCmd.Flags().Bool("errors", false, "reprocess pending and errored change messages instead of ready ones")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(ctlCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync daemon with the worker fleet and control api",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		initLogging()
		return runSync()
	},
}

func runSync() error {
	pid, err := daemon.CreatePIDFile(cfg.SyncPidFile)
	if err != nil {
		return err
	}
	defer pid.Remove()

	ctx, rebootCh, stop := daemon.Context(context.Background())
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	sink := eve.New(cfg.Sink.URL, cfg.Sink.APIKey)
	store := changelog.New(sink, log.WithComponent("changelog"))
	users := integration.New(cfg.Source, sink, loc, log.WithComponent("integration"))
	coord := coordinator.New(cfg, sink, store, users, loc, log.WithComponent("coordinator"))

	go func() {
		if err := metrics.Serve(cfg.Control.MetricsAddr); err != nil {
			log.Errorf("metrics endpoint failed", err)
		}
	}()

	server := api.NewServer(coord, log.WithComponent("api"))
	server.OnShutdown = cancel
	go func() {
		if err := server.Start(ctx, cfg.Control.Host, cfg.Control.Port); err != nil {
			log.Errorf("control api failed", err)
			cancel()
		}
	}()

	go func() {
		if err := coord.Start(ctx); err != nil {
			log.Errorf("could not start workers", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			coord.Shutdown()
			log.Info("sync daemon exiting")
			return nil
		case <-rebootCh:
			log.Info("rebooting workers")
			if err := coord.Reboot(ctx); err != nil {
				log.Errorf("could not reboot workers", err)
			}
		}
	}
}

func buildConsumer() (*stream.Consumer, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	sink := eve.New(cfg.Sink.URL, cfg.Sink.APIKey)
	store := changelog.New(sink, log.WithComponent("changelog"))

	sources := stream.Sources{
		Club: nif.New(cfg.Source.BaseURL, cfg.Source.StreamUser,
			cfg.Source.StreamPassword, cfg.Source.Realm, loc),
		Federation: nif.New(cfg.Source.BaseURL, cfg.Source.FederationUsername(),
			cfg.Source.FederationPassword, cfg.Source.Realm, loc),
	}

	var geo *geocode.Client
	if cfg.Stream.GeocodeEnabled {
		geo = geocode.New(cfg.Stream.GeocodeURL, log.WithComponent("geocode"))
	}

	return stream.New(stream.Config{
		Realm:           cfg.Source.Realm,
		OrgStructure:    cfg.Source.OrgStructure,
		TokenFile:       cfg.Stream.ResumeTokenFile,
		MaxRestarts:     cfg.Stream.MaxRestarts,
		PollInterval:    time.Duration(cfg.Stream.PollInterval) * time.Second,
		RecoverPageSize: cfg.Stream.RecoverPageSize,
		GeocodeEnabled:  cfg.Stream.GeocodeEnabled,
	}, store, sink, sources, geo, log.WithComponent("stream")), nil
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run the stream daemon projecting change messages into the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		initLogging()
		return runStream()
	},
}

func runStream() error {
	pid, err := daemon.CreatePIDFile(cfg.StreamPidFile)
	if err != nil {
		return err
	}
	defer pid.Remove()

	ctx, _, stop := daemon.Context(context.Background())
	defer stop()

	consumer, err := buildConsumer()
	if err != nil {
		return err
	}

	// Catch up on anything missed while the daemon was down
	if err := consumer.Recover(ctx, false); err != nil {
		log.Errorf("recovery sweep failed", err)
	}

	runErr := consumer.Run(ctx)

	// Change messages may have queued up between the last processed
	// event and shutdown
	sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := consumer.Recover(sweepCtx, false); err != nil {
		log.Errorf("exit recovery sweep failed", err)
	}

	log.Info("stream daemon exiting")
	return runErr
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reprocess stuck change messages and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		initLogging()

		withErrors, _ := cmd.Flags().GetBool("errors")
		consumer, err := buildConsumer()
		if err != nil {
			return err
		}

		ctx, _, stop := daemon.Context(context.Background())
		defer stop()
		return consumer.Recover(ctx, withErrors)
	},
}
