package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/internal/config"
	"github.com/arloliu/go-dnc/internal/httpapi"
	"github.com/arloliu/go-dnc/internal/metrics"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/publish"
	"github.com/arloliu/go-dnc/transfer"
)

const shutdownSlack = 5 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "dnc-service",
		Short:         "Serve CNC program transfers over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), cfg, nil)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file (default $DNC_CONFIG)")

	return cmd
}

// serve runs until ctx is done. When ready is not nil it receives the
// listening address.
func serve(ctx context.Context, cfg *config.Config, ready chan<- net.Addr) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.NewSlog(level, false)
	logger.SetLogger(log)

	engineMetrics := &transfer.TransferMetrics{}
	opts := []dnc.Option{
		dnc.WithProgramDir(cfg.ProgramDir),
		dnc.WithLockDir(cfg.LockDir),
		dnc.WithMachineID(cfg.MachineID),
		dnc.WithGracePeriod(cfg.GracePeriod),
		dnc.WithLogger(log),
		dnc.WithMetrics(engineMetrics),
	}
	if cfg.Sender.Runner == config.RunnerProcess {
		opts = append(opts, dnc.WithRunner(&dnc.ProcessRunner{
			Executable: cfg.Sender.Executable,
			Grace:      cfg.GracePeriod,
			Logger:     log,
		}))
	}

	mgr, err := dnc.NewManager(opts...)
	if err != nil {
		return err
	}

	m := metrics.New(engineMetrics)

	api, err := httpapi.New(mgr, httpapi.WithMetrics(m), httpapi.WithLogger(log))
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	// observers drain until the manager closes its hub, so final events
	// still reach them during shutdown
	observeCtx := context.WithoutCancel(gctx)

	g.Go(func() error { return m.Run(observeCtx, mgr.Subscribe()) })

	if cfg.Bus.URL != "" {
		pub, closeBus, err := newPublisher(ctx, cfg, log)
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer closeBus()

		m.RegisterPublisher(pub)
		g.Go(func() error { return pub.Run(observeCtx, mgr.Subscribe()) })
	}

	g.Go(func() error {
		log.Info("dnc-service: listening", "addr", ln.Addr().String(),
			"program_dir", cfg.ProgramDir, "machine_id", cfg.MachineID, "runner", cfg.Sender.Runner)
		if ready != nil {
			ready <- ln.Addr()
		}
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("dnc-service: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+shutdownSlack)
		defer cancel()

		mgrErr := mgr.Shutdown(shutdownCtx)
		srvErr := srv.Shutdown(shutdownCtx)

		return errors.Join(mgrErr, srvErr)
	})

	return g.Wait()
}

func newPublisher(ctx context.Context, cfg *config.Config, log logger.Logger) (*publish.Publisher, func(), error) {
	bus, err := publish.NewRedisBus(cfg.Bus.URL)
	if err != nil {
		return nil, nil, err
	}

	enc, err := publish.ParseEncoding(cfg.Bus.Encoding)
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}

	pub, err := publish.New(bus,
		publish.WithStream(cfg.Bus.Stream),
		publish.WithEncoding(enc),
		publish.WithAckRate(cfg.Bus.AckRate, cfg.Bus.AckBurst),
		publish.WithLogger(log),
	)
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := bus.Ping(pingCtx); err != nil {
		log.Warn("dnc-service: bus not reachable, events will be retried per publish",
			"url", cfg.Bus.URL, "error", err)
	}

	return pub, func() { _ = bus.Close() }, nil
}
