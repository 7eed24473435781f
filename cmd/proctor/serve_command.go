package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proctorwatch/proctor-server/internal/capture"
	"github.com/proctorwatch/proctor-server/internal/config"
	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/mqtt"
	"github.com/proctorwatch/proctor-server/internal/server"
	"github.com/proctorwatch/proctor-server/internal/session"
	"github.com/proctorwatch/proctor-server/internal/store"
	"github.com/proctorwatch/proctor-server/internal/webrtc"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		httpAddr    string
		metricsAddr string
		pprofAddr   string
		source      string
		environment string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proctoring server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("http") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if flags.Changed("metrics") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if flags.Changed("pprof") {
				cfg.Server.PprofAddr = pprofAddr
			}
			if flags.Changed("source") {
				cfg.Camera.Source = source
			}
			env, err := types.ParseEnvironment(environment)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(runCtx, cfg, env)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&httpAddr, "http", "", "HTTP server address (overrides server.http_addr)")
	flags.StringVar(&metricsAddr, "metrics", "", "Metrics server address, empty disables")
	flags.StringVar(&pprofAddr, "pprof", "", "pprof server address, empty disables")
	flags.StringVar(&source, "source", "", "Camera MJPEG URL or image directory (overrides camera.source)")
	flags.StringVar(&environment, "environment", string(types.EnvironmentClassroom), "Initial environment (classroom, home)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, env types.Environment) error {
	logger.Info("Main", "Proctor server starting...")

	models := newModels(cfg)
	report, err := identity.Enroll(ctx, cfg.Enrollment.Dir, models)
	if err != nil {
		return fmt.Errorf("enroll %s: %w", cfg.Enrollment.Dir, err)
	}
	verifier := identity.NewVerifier(report.Gallery, models, cfg.Thresholds.MatchDistance)
	logger.Info("Main", "Gallery ready: %d students, threshold %.2f", report.Gallery.Len(), verifier.Threshold())

	met := metrics.New()
	broadcaster := events.NewBroadcaster(64)
	broadcaster.OnDrop(func() { met.EventsDropped.Add(1) })
	sinks := events.Fanout{broadcaster, met}
	var onEnd func(string)

	var serverOpts []server.Option
	serverOpts = append(serverOpts, server.WithProbe(models.Health))

	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SyncStudents(ctx, studentsFrom(report.Gallery, time.Now())); err != nil {
			return err
		}
		journal := store.NewJournal(db, 256)
		defer journal.Close()
		sinks = append(sinks, journal)
		onEnd = journal.Forget
		serverOpts = append(serverOpts, server.WithStudents(db))
		logger.Info("Main", "Attendance store: %s", db.Path())
	}

	if cfg.MQTT.Enabled {
		sink, err := mqtt.Connect(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			logger.Warn("Main", "MQTT disabled: %v", err)
		} else {
			defer sink.Close()
			sinks = append(sinks, sink)
		}
	}

	if cfg.WebRTC.Enabled {
		rtc := webrtc.NewServer(webrtc.Options{
			STUNServers: cfg.WebRTC.STUNServers,
			MaxClients:  cfg.WebRTC.MaxClients,
		})
		defer rtc.Close()
		sinks = append(sinks, rtc)
		serverOpts = append(serverOpts, server.WithOffers(rtc))
	}

	sessCfg := session.ConfigFrom(cfg)
	if sessCfg.RecordingDir != "" {
		if err := os.MkdirAll(sessCfg.RecordingDir, 0o755); err != nil {
			return fmt.Errorf("create recordings directory: %w", err)
		}
	}
	manager := session.NewManager(sessCfg, session.Deps{
		Opener: capture.NewOpener(capture.Options{
			Source:   cfg.Camera.Source,
			LockFile: cfg.Camera.LockFile,
			Loop:     cfg.Camera.Loop,
		}),
		Verifier: verifier,
		Models:   models,
		Sink:     sinks,
		Metrics:  met,
		OnEnd:    onEnd,
	})
	manager.SetEnvironment(env)

	var wg sync.WaitGroup
	if cfg.Server.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := met.Serve(ctx, cfg.Server.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}
	if cfg.Server.PprofAddr != "" {
		go func() {
			logger.Info("Main", "pprof server listening on %s", cfg.Server.PprofAddr)
			if err := http.ListenAndServe(cfg.Server.PprofAddr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	// Streams end once their sessions and subscriptions are closed, which lets
	// the HTTP server drain before its shutdown deadline.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		logger.Info("Main", "Shutting down...")
		manager.Shutdown()
		broadcaster.Close()
	}()

	srv := server.New(server.Config{Placeholder: sessCfg.Output}, manager, broadcaster, serverOpts...)
	err = srv.Serve(ctx, cfg.Server.HTTPAddr)
	if err != nil {
		// listener failure: tear the sessions down ourselves
		manager.Shutdown()
		broadcaster.Close()
		return fmt.Errorf("http server: %w", err)
	}
	<-drained
	wg.Wait()
	logger.Info("Main", "Proctor server stopped")
	return nil
}
