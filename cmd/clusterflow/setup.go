package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/flexinfer/clusterflow/internal/archive"
	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/catalog"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/gateway/k8s"
	"github.com/flexinfer/clusterflow/internal/gateway/slurm"
	"github.com/flexinfer/clusterflow/internal/history"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/internal/runstore"
	"github.com/flexinfer/clusterflow/internal/scheduler"
)

// gateway builds the configured cluster gateway, rate limited and traced.
// A gateway preset on the app is returned as is.
func (a *app) gateway() (gateway.Gateway, error) {
	if a.gw != nil {
		return a.gw, nil
	}
	var gw gateway.Gateway
	switch a.cfg.Gateway {
	case "k8s":
		kcfg := k8s.DefaultConfig()
		kcfg.InCluster = a.cfg.K8sInCluster
		if a.cfg.K8sKubeconfig != "" {
			kcfg.Kubeconfig = a.cfg.K8sKubeconfig
		}
		kcfg.Namespace = a.cfg.K8sNamespace
		kcfg.DefaultImage = a.cfg.K8sDefaultImage
		kcfg.GPUResource = a.cfg.K8sGPUResource

		clientset, err := k8s.NewClientset(kcfg)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		gw = k8s.New(clientset, kcfg, os.Getenv("USER"), a.logger)
	default:
		gw = slurm.New(&slurm.Config{
			LogDir:  a.cfg.SlurmLogDir,
			Sbatch:  a.cfg.SlurmSbatch,
			Squeue:  a.cfg.SlurmSqueue,
			Sacct:   a.cfg.SlurmSacct,
			Scancel: a.cfg.SlurmScancel,
			Sinfo:   a.cfg.SlurmSinfo,
		}, nil, a.logger)
	}

	a.logger.Debug("gateway initialized",
		slog.String("gateway", a.cfg.Gateway),
		slog.Float64("rps", a.cfg.GatewayRPS),
	)
	gw = gateway.WithRateLimit(gw, a.cfg.GatewayRPS, a.cfg.GatewayBurst)
	return gateway.WithTracing(gw, a.tracer.Tracer("clusterflow/gateway")), nil
}

func (a *app) monitorConfig() *monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.PollInterval = a.cfg.PollInterval
	if a.cfg.QueryRetries > 0 {
		cfg.Retry.MaxTries = uint(a.cfg.QueryRetries)
	}
	if a.cfg.QueryBackoff > 0 {
		cfg.Retry.InitialInterval = a.cfg.QueryBackoff
	}
	return cfg
}

func (a *app) scheduler(gw gateway.Gateway, sink callback.Sink) *scheduler.Scheduler {
	jobs := monitor.NewJobMonitor(gw, a.monitorConfig(), a.logger)
	return scheduler.New(gw, jobs, sink, &scheduler.Config{
		PollInterval: a.cfg.PollInterval,
		TaskTimeout:  a.cfg.TaskTimeout,
		AsyncRelease: scheduler.ReleaseMode(a.cfg.AsyncRelease),
	}, a.logger)
}

// notifySinks are the sinks every command reports to: the log, plus the
// webhook when one is configured.
func (a *app) notifySinks(ctx context.Context) ([]callback.Sink, error) {
	sinks := []callback.Sink{callback.NewLogSink(a.logger)}
	if a.cfg.WebhookURL == "" {
		return sinks, nil
	}
	hook, err := callback.NewWebhookSink(ctx, callback.WebhookConfig{
		URL:          a.cfg.WebhookURL,
		Timeout:      a.cfg.WebhookTimeout,
		TokenURL:     a.cfg.WebhookTokenURL,
		ClientID:     a.cfg.WebhookClientID,
		ClientSecret: a.cfg.WebhookClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook sink: %w", err)
	}
	a.logger.Info("webhook notifications enabled", slog.String("url", a.cfg.WebhookURL))
	return append(sinks, callback.WithRetry(hook, "webhook", callback.DefaultRetryPolicy())), nil
}

// openHistory opens the job history database, or returns nil when history
// is disabled.
func (a *app) openHistory(ctx context.Context) (*history.DB, error) {
	if a.cfg.HistoryDB == "" {
		return nil, nil
	}
	db, err := history.Open(ctx, a.cfg.HistoryDB)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("job history enabled", slog.String("path", a.cfg.HistoryDB))
	return db, nil
}

// openArchive connects to the report bucket, or returns nil when no bucket
// is configured.
func (a *app) openArchive(ctx context.Context) (*archive.Archive, error) {
	if a.cfg.S3Bucket == "" {
		return nil, nil
	}
	store, err := archive.NewS3Store(ctx, &archive.S3Config{
		Endpoint:        a.cfg.S3Endpoint,
		Bucket:          a.cfg.S3Bucket,
		Region:          a.cfg.S3Region,
		AccessKeyID:     a.cfg.S3AccessKey,
		SecretAccessKey: a.cfg.S3SecretKey,
		UseSSL:          a.cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("report archive: %w", err)
	}
	a.logger.Info("report archive enabled", slog.String("bucket", a.cfg.S3Bucket))
	return archive.New(store, a.cfg.S3Prefix), nil
}

// runStore builds the configured RunStore, falling back to memory when
// Redis is unreachable.
func (a *app) runStore() runstore.RunStore {
	memCfg := &runstore.Config{
		EventMaxLen: a.cfg.EventMaxLen,
		TTLSeconds:  int64(a.cfg.RunStoreTTL / time.Second),
	}
	if a.cfg.RunStoreType != "redis" {
		a.logger.Info("using in-memory runstore")
		return runstore.NewMemoryStore(memCfg)
	}

	redisCfg := runstore.DefaultRedisConfig()
	redisCfg.URL = a.cfg.RedisURL
	redisCfg.Password = a.cfg.RedisPassword
	redisCfg.DB = a.cfg.RedisDB
	redisCfg.TTL = a.cfg.RunStoreTTL
	redisCfg.EventMaxLen = a.cfg.EventMaxLen

	store, err := runstore.NewRedisStore(redisCfg)
	if err != nil {
		a.logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
		return runstore.NewMemoryStore(memCfg)
	}
	a.logger.Info("using Redis runstore", slog.String("url", a.cfg.RedisURL))
	return store
}

// catalogStore keeps saved workflows next to the runs: in Redis when the
// runstore is Redis, in memory otherwise.
func (a *app) catalogStore(ctx context.Context) catalog.Store {
	if a.cfg.RunStoreType != "redis" {
		return catalog.NewMemoryStore()
	}
	store, err := catalog.NewRedisStore(ctx, a.cfg.RedisURL, a.cfg.RedisPassword)
	if err != nil {
		a.logger.Error("failed to connect workflow catalog to Redis, using memory", "error", err)
		return catalog.NewMemoryStore()
	}
	return store
}
