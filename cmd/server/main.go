package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"agent-runtime/internal/api"
	"agent-runtime/internal/config"
	"agent-runtime/internal/db"
	"agent-runtime/internal/logger"
	"agent-runtime/pkg/artifacts"
	"agent-runtime/pkg/engine"
	"agent-runtime/pkg/opencode"
	"agent-runtime/pkg/stream"
	"agent-runtime/pkg/supervisor"
	"agent-runtime/pkg/task"
	"agent-runtime/pkg/workspace"
)

var version = "dev"

// publicConfig is what GET /config reveals. No credentials.
type publicConfig struct {
	Model           string `json:"model"`
	Executable      string `json:"executable"`
	SessionsRoot    string `json:"sessions_root"`
	ToolStorageRoot string `json:"tool_storage_root"`
	Timeout         string `json:"timeout"`
	GracePeriod     string `json:"grace_period"`
	Sentinel        string `json:"sentinel,omitempty"`
	CustomAgent     string `json:"custom_agent"`
	ArchiveEnabled  bool   `json:"archive_enabled"`
	BucketUploads   bool   `json:"bucket_uploads"`
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Format); err != nil {
		logrus.Fatalf("logger: %v", err)
	}
	log := logrus.WithField("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := task.NewRegistry()

	var (
		hubOpts []stream.Option
		archive *stream.PgArchive
	)
	if cfg.Archive.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.Archive.DatabaseURL, 30)
		if err != nil {
			log.Fatalf("connect: %v", err)
		}
		defer pool.Close()
		archive = stream.NewPgArchive(pool, cfg.Archive.QueueSize)
		if err := archive.EnsureTable(ctx); err != nil {
			log.Fatalf("ensure event archive table: %v", err)
		}
		archive.Start(ctx)
		defer archive.Close()
		hubOpts = append(hubOpts, stream.WithArchive(archive))
		log.Info("event archive enabled")
	}
	hub := stream.NewHub(tasks, hubOpts...)

	sas := artifacts.NewSASUploader()
	router := artifacts.Router{SAS: sas}
	if cfg.Artifacts.Minio.Endpoint != "" {
		m, err := artifacts.NewMinioUploader(cfg.Artifacts.Minio)
		if err != nil {
			log.Fatalf("minio: %v", err)
		}
		if err := m.HealthCheck(ctx); err != nil {
			log.WithError(err).Warn("bucket storage unreachable at startup")
		}
		router.S3 = m
	}

	eng := engine.New(engine.Config{
		Executable:  cfg.Tool.Executable,
		Model:       cfg.ModelID(),
		Timeout:     cfg.Timeout(),
		Detector:    supervisor.SubstringDetector(cfg.Supervisor.Sentinel),
		ConfigPath:  cfg.Tool.ConfigPath,
		PromptsPath: cfg.Tool.PromptsPath,
		CustomAgent: cfg.Tool.CustomAgent,
	}, engine.Deps{
		Tasks:      tasks,
		Hub:        hub,
		Resolver:   workspace.NewResolver(cfg.Paths.SessionsRoot),
		Preparer:   opencode.NewPreparer(cfg.Paths.ToolStorageRoot),
		Supervisor: supervisor.New(cfg.GracePeriod()),
		Uploader:   router,
	})
	if !eng.ExecutableAvailable() {
		log.Warnf("%s not found; tasks will fail until it is installed", cfg.Tool.Executable)
	}

	opts := api.Options{
		SessionsRoot: cfg.Paths.SessionsRoot,
		Uploader:     sas,
		Version:      version,
		CORSOrigins:  cfg.Server.CORSOrigins,
		PublicConfig: publicConfig{
			Model:           cfg.ModelID(),
			Executable:      cfg.Tool.Executable,
			SessionsRoot:    cfg.Paths.SessionsRoot,
			ToolStorageRoot: cfg.Paths.ToolStorageRoot,
			Timeout:         cfg.Timeout().String(),
			GracePeriod:     cfg.GracePeriod().String(),
			Sentinel:        cfg.Supervisor.Sentinel,
			CustomAgent:     cfg.Tool.CustomAgent,
			ArchiveEnabled:  archive != nil,
			BucketUploads:   router.S3 != nil,
		},
	}
	if archive != nil {
		opts.Archive = archive
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.New(eng, tasks, hub, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("engine shutdown")
		}
		hub.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.Infof("agent-runtime %s listening on %s", version, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
	<-stopped
}
