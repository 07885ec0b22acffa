// siteship-deployer consumes deploy jobs from the bus, runs the site
// deployment pipeline and publishes the outcome.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/siteship/siteship/core/deploy"
	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/identity"
	"github.com/siteship/siteship/core/infra/buildinfo"
	"github.com/siteship/siteship/core/infra/bus"
	"github.com/siteship/siteship/core/infra/config"
	"github.com/siteship/siteship/core/infra/locks"
	"github.com/siteship/siteship/core/infra/logging"
	"github.com/siteship/siteship/core/infra/metrics"
)

const component = "siteship-deployer"

func main() {
	buildinfo.Log(component)

	cfg := config.Load()
	deployerCfg, err := config.LoadDeployer(cfg.DeployerConfigPath)
	if err != nil {
		logging.Error(component, "load deployer config", "err", err)
		os.Exit(1)
	}

	profiles, err := identity.NewRedisProfileStore(cfg.RedisURL)
	if err != nil {
		logging.Error(component, "connect profile store", "err", err)
		os.Exit(1)
	}
	defer profiles.Close()

	lockStore, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logging.Error(component, "connect lock store", "err", err)
		os.Exit(1)
	}
	defer lockStore.Close()

	releases, err := deploy.NewReleaseStore(cfg.RedisURL)
	if err != nil {
		logging.Error(component, "connect release store", "err", err)
		os.Exit(1)
	}
	defer releases.Close()

	prom := metrics.NewProm("siteship")
	hub := deploy.NewProgressHub()
	refresher := identity.NewRefresher(profiles, identity.NewTokenClient(), lockStore, prom)
	pipeline := deploy.NewPipeline(deployerCfg, refresher, lockStore, releases, hub, prom)

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		logging.Error(component, "connect bus", "err", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	workerID := component + "-" + uuid.NewString()[:8]
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = natsBus.Subscribe(bus.SubjectDeploy, bus.QueueDeployers, func(p *bus.Packet) error {
		return handleDeploy(ctx, natsBus, pipeline, workerID, p)
	})
	if err != nil {
		logging.Error(component, "subscribe", "subject", bus.SubjectDeploy, "err", err)
		os.Exit(1)
	}
	logging.Info(component, "worker ready",
		"worker", workerID, "subject", bus.SubjectDeploy, "queue", bus.QueueDeployers)

	opsServer := startOps(cfg.OpsAddr, hub)

	<-ctx.Done()
	logging.Info(component, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn(component, "ops server shutdown", "err", err)
	}
}

// handleDeploy runs one job packet. Retryable failures propagate to the bus
// for redelivery; everything else is acked with a failure result.
func handleDeploy(ctx context.Context, natsBus *bus.NatsBus, pipeline *deploy.Pipeline, workerID string, p *bus.Packet) error {
	job, err := deploy.ParseJob(p)
	if err != nil {
		logging.Warn(component, "rejecting malformed job", "trace", p.TraceID, "err", err)
		publishResult(natsBus, p.TraceID, workerID, deploy.DeployResult{
			Status: deploy.ResultFailed,
			Code:   string(faults.GetCode(err)),
			Error:  err.Error(),
		})
		return nil
	}

	rec, err := pipeline.Run(ctx, job)
	if err != nil {
		if _, retryable := bus.RetryDelay(err); retryable {
			return err
		}
		publishResult(natsBus, p.TraceID, workerID, deploy.DeployResult{
			DeployID: job.DeployID,
			SiteID:   job.SiteID,
			Status:   deploy.ResultFailed,
			Code:     string(faults.GetCode(err)),
			Error:    err.Error(),
		})
		return nil
	}

	publishResult(natsBus, p.TraceID, workerID, deploy.DeployResult{
		DeployID:  job.DeployID,
		SiteID:    job.SiteID,
		Status:    deploy.ResultSucceeded,
		URL:       rec.URL,
		ReleaseID: rec.ID,
		Version:   rec.Version,
	})
	return nil
}

func publishResult(natsBus *bus.NatsBus, traceID, workerID string, res deploy.DeployResult) {
	packet, err := bus.NewPacket("deploy.result", traceID, workerID, res)
	if err != nil {
		logging.Error(component, "encode result packet", "err", err)
		return
	}
	if err := natsBus.Publish(bus.SubjectResult, packet); err != nil {
		logging.Error(component, "publish result", "trace", traceID, "err", err)
	}
}

// startOps serves metrics, health and the progress WebSocket stream.
func startOps(addr string, hub *deploy.ProgressHub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws/progress", deploy.StreamHandler(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Info(component, "ops listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "ops listener", "err", err)
		}
	}()
	return srv
}
