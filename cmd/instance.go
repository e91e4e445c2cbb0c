package cmd

import (
	"fmt"
	"os"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/giamma80/gymbro-platform-sub003/core"
	"github.com/giamma80/gymbro-platform-sub003/pkg/config"
	"github.com/giamma80/gymbro-platform-sub003/pkg/logging"
)

// Params are all required for the gateway to start up
type Params struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewRouter creates a new gateway instance.
//
// additionalOptions can be used to override default options or options provided in the config.
func NewRouter(params Params, additionalOptions ...core.Option) (*core.Router, error) {
	// Automatically set GOMAXPROCS to avoid CPU throttling on containerized environments
	_, err := maxprocs.Set(maxprocs.Logger(params.Logger.Sugar().Debugf))
	if err != nil {
		return nil, fmt.Errorf("could not set max GOMAXPROCS: %w", err)
	}

	cfg := params.Config
	logger := params.Logger

	options := []core.Option{
		core.WithListenerAddr(cfg.ListenAddr),
		core.WithLogger(logger),
		core.WithAccessLogger(logging.NewZapAccessLogger(zapcore.AddSync(os.Stdout), cfg.DevelopmentMode, !cfg.JSONLog)),
		core.WithGraphQLPath(cfg.GraphQLPath),
		core.WithHealthCheckPath(cfg.HealthCheckPath),
		core.WithLivenessCheckPath(cfg.LivenessCheckPath),
		core.WithReadinessCheckPath(cfg.ReadinessCheckPath),
		core.WithGracePeriod(cfg.GracePeriod),
		core.WithPollInterval(cfg.PollInterval, cfg.PollJitter),
		core.WithSubgraphs(cfg.Subgraphs),
		core.WithTrafficShaping(cfg.TrafficShaping),
		core.WithComposition(cfg.Composition),
		core.WithHealth(cfg.Health),
		core.WithCors(core.CorsConfigFromConfig(cfg.CORS)),
		core.WithPrometheus(&cfg.Telemetry.Metrics.Prometheus),
	}

	options = append(options, additionalOptions...)

	return core.NewRouter(options...)
}
