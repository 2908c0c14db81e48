package grpc

import (
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const FeedHealthService = "feed"

// HealthReporter follows FEED_STATUS broadcasts and mirrors them into the
// grpc health service. It registers with the hub like any other subscriber.
type HealthReporter struct {
	health *health.Server
}

func NewHealthReporter(healthServer *health.Server, initial entity.FeedStatus) *HealthReporter {
	r := &HealthReporter{health: healthServer}
	r.apply(initial)
	return r
}

func (r *HealthReporter) ID() string {
	return "grpc-health"
}

func (r *HealthReporter) Send(msg any) error {
	if status, ok := msg.(entity.FeedStatusMessage); ok {
		r.apply(status.Status)
	}

	return nil
}

func (r *HealthReporter) apply(status entity.FeedStatus) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status == entity.FeedStatusConnected {
		serving = healthpb.HealthCheckResponse_SERVING
	}

	logrus.WithFields(logrus.Fields{
		"service": FeedHealthService,
		"status":  serving.String(),
	}).Debug("feed health updated")
	r.health.SetServingStatus(FeedHealthService, serving)
}
