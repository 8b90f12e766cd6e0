package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"facegate/config"
	"facegate/internal/api"
	"facegate/internal/api/handlers"
	"facegate/internal/api/middleware"
	"facegate/internal/core/detector"
	"facegate/internal/core/matcher"
	"facegate/internal/core/processor"
	"facegate/internal/db"
	"facegate/internal/db/repository"
	"facegate/internal/facedb"
	"facegate/internal/integrations/homeassistant"
	"facegate/internal/integrations/mqtt"
	"facegate/internal/integrations/provider"
	"facegate/internal/server/sse"
	"facegate/internal/services/cleanup"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// pipeline bündelt die Erkennungskette
type pipeline struct {
	backends  *provider.Backends
	processor *processor.ImageProcessor
}

// Invalidator liefert den Cache des Verifiers, falls vorhanden
func (p *pipeline) Invalidator() detector.Invalidator {
	if inv, ok := p.backends.Verifier.(detector.Invalidator); ok {
		return inv
	}
	return nil
}

// buildPipeline erstellt Backends, Matcher und Prozessor
func buildPipeline(cfg *config.Config, store *facedb.Store, sink processor.EventSink) (*pipeline, error) {
	backends, err := provider.CreateBackends(cfg)
	if err != nil {
		return nil, err
	}

	policy := matcher.Policy(cfg.Recognition.MatchPolicy)
	if policy == matcher.PolicyBest {
		log.Info("Match policy 'best': every reference is compared and the closest one under the threshold wins")
	}
	m, err := matcher.New(backends.Verifier, matcher.Options{
		Threshold:   cfg.Recognition.Threshold,
		Policy:      policy,
		ScanTimeout: cfg.Recognition.ScanTimeout,
	})
	if err != nil {
		_ = backends.Close()
		return nil, err
	}

	proc := processor.NewImageProcessor(backends.Locator, m, store, sink, processor.ProcessingOptions{
		ReturnAnnotatedImage: cfg.Recognition.ReturnAnnotatedImage,
		DetectorName:         cfg.Detection.Backend,
		ModelName:            cfg.Recognition.ModelName,
	})
	return &pipeline{backends: backends, processor: proc}, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()
	startedAt := time.Now()

	store, err := facedb.Open(cfg.FaceDB.Root)
	if err != nil {
		return fmt.Errorf("failed to open face database: %w", err)
	}
	log.Infof("Face database %s: %d identities, %d references",
		store.Root(), len(store.Snapshot().Identities()), store.Snapshot().Len())

	hub := sse.NewHub()
	sinks := processor.MultiSink{hub}

	var history repository.Repository
	var cleanupSvc *cleanup.CleanupService
	if cfg.History.Enabled {
		gdb, err := db.Open(cfg.History.File)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		repo := repository.NewSQLiteRepository(gdb)
		history = repo
		sinks = append(sinks, repository.NewEventRecorder(repo))
		cleanupSvc = cleanup.NewCleanupService(repo, cfg.Cleanup)
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT)
		sinks = append(sinks, mqtt.NewPublisher(mqttClient, cfg.MQTT.TopicPrefix))
		if cfg.MQTT.HomeAssistant {
			discovery := homeassistant.NewDiscoveryManager(mqttClient, cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix)
			sinks = append(sinks, discovery)
			// nach jedem Reconnect neu anmelden
			mqttClient.OnConnect(func() {
				if err := discovery.RegisterAll(store.Snapshot().Identities()); err != nil {
					log.Warnf("Home Assistant discovery failed: %v", err)
				}
			})
		}
	}

	p, err := buildPipeline(cfg, store, sinks)
	if err != nil {
		return err
	}
	defer p.backends.Close()

	pool := processor.NewWorkerPool(p.processor, cfg.Recognition.Workers)
	defer pool.Shutdown()

	if mqttClient != nil {
		timeout := cfg.Recognition.ScanTimeout
		if timeout > 0 {
			timeout += 30 * time.Second
		}
		mqttClient.Subscribe(mqtt.RequestTopic(cfg.MQTT.TopicPrefix), mqtt.NewRequestHandler(pool, timeout))
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
		} else {
			defer mqttClient.Stop()
		}
	}

	translator, err := middleware.NewTranslator(cfg.I18n.DefaultLanguage)
	if err != nil {
		return fmt.Errorf("failed to load translations: %w", err)
	}

	h := handlers.NewAPIHandler(handlers.Deps{
		Store:       store,
		Pool:        pool,
		Invalidator: p.Invalidator(),
		Sink:        sinks,
		History:     history,
		Hub:         hub,
		Backends:    p.backends,
		StartedAt:   startedAt,
	})

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Server, translator, h)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if cleanupSvc != nil {
		g.Go(func() error {
			cleanupSvc.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Server stopped")
	return err
}
