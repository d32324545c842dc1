package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/events"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/health"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/httpapi"
	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/status"
)

// newPublisher creates the process's event publisher, mirrored to Redis
// when observability.redis.addr is set. The returned func releases it.
func (a *app) newPublisher(ctx context.Context, source string) (*events.Publisher, func()) {
	runID := uuid.New().String()
	logger := a.logger.With(zap.String("run_id", runID))
	rc := a.cfg.Observability.Redis
	if rc.Addr == "" {
		return events.NewPublisher(runID, source, logger), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: rc.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, events stay in memory until it recovers",
			zap.String("addr", rc.Addr),
			zap.Error(err),
		)
	}
	pub := events.NewPublisher(runID, source, logger, events.WithRedis(client, rc.Stream, rc.MaxLen))
	return pub, func() {
		if err := client.Close(); err != nil {
			logger.Debug("Failed to close Redis client", zap.Error(err))
		}
	}
}

// startAdmin serves health, metrics and the event stream when
// observability.admin_port is set. The returned func shuts it down.
func (a *app) startAdmin(channel *status.Channel, pub *events.Publisher, checkers ...health.Checker) func() {
	port := a.cfg.Observability.AdminPort
	if port <= 0 {
		return func() {}
	}
	hm := health.NewManager(a.logger)
	for _, c := range append([]health.Checker{health.NewStatusChannelChecker(channel)}, checkers...) {
		if err := hm.RegisterChecker(c); err != nil {
			a.logger.Warn("Failed to register health checker", zap.String("checker", c.Name()), zap.Error(err))
		}
	}
	server := health.StartAdminServer(hm, port, a.logger, func(mux *http.ServeMux) {
		httpapi.NewEventsHandler(pub, a.logger).RegisterRoutes(mux)
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
