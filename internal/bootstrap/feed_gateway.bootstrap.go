package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/constant"
	"github.com/krobus00/option-feed-service/internal/entity"
	grpcHandler "github.com/krobus00/option-feed-service/internal/handler/feed/grpc"
	httpHandler "github.com/krobus00/option-feed-service/internal/handler/feed/http"
	wsHandler "github.com/krobus00/option-feed-service/internal/handler/feed/ws"
	"github.com/krobus00/option-feed-service/internal/infrastructure"
	"github.com/krobus00/option-feed-service/internal/repository"
	"github.com/krobus00/option-feed-service/internal/service/exchange"
	"github.com/krobus00/option-feed-service/internal/service/feed"
	"github.com/krobus00/option-feed-service/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartFeedGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feedCfg := config.Env.Feed

	broker, err := exchange.InitBroker(feedCfg.Broker)
	util.ContinueOrFatal(err)

	hours, err := feed.NewMarketHoursOracle(feedCfg.MarketHours)
	util.ContinueOrFatal(err)

	bridgeCfg := newBridgeConfig(feedCfg)
	bridgeCfg.ExchangeLocation = hours.Location()

	// the catalog is optional; without it option keys are formatted from config
	var (
		db     *sqlx.DB
		chains feed.ChainLoader
	)
	if dbCfg, ok := config.Env.Database[constant.InstrumentDatabase]; ok && strings.TrimSpace(dbCfg.DSN) != "" {
		db, err = infrastructure.NewPostgresConnection(ctx, constant.InstrumentDatabase, dbCfg)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, constant.InstrumentDatabase, db, dbCfg.PingInterval)

		instrumentRepo := repository.NewInstrumentRepository(db)
		chains = feed.NewCatalogLoader(instrumentRepo, fallbackResolver(bridgeCfg))
	} else {
		logrus.Warn("instrument database not configured, option keys will be formatted from config")
	}

	hub := feed.NewHub()
	greeksPool := feed.NewGreeksWorkerPool(feedCfg.GreeksWorkers, feedCfg.GreeksQueueSize)

	bridge := feed.NewFeedBridge(bridgeCfg, feed.BridgeDeps{
		Broker: broker,
		Hours:  hours,
		Chains: chains,
		Hub:    hub,
		Greeks: greeksPool,
	})

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	sink := feed.NewJetstreamSink(js)

	publishers := make([]entity.Publisher, 0)
	publishers = append(publishers, sink)
	for _, v := range publishers {
		err = v.JetstreamEventInit(ctx)
		util.ContinueOrFatal(err)
	}
	hub.Register(sink)
	go sink.Run(ctx)

	grpcServer := infrastructure.NewGRPCServer("")
	hub.Register(grpcHandler.NewHealthReporter(grpcServer.Health(), bridge.Status()))

	go func() {
		err := grpcServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()

	broadcastLoop := feed.NewBroadcastLoop(bridge, hub, feedCfg.BroadcastInterval)
	go broadcastLoop.Run(ctx)
	go bridge.Run(ctx)

	httpMux := infrastructure.NewHealthMux(func() bool {
		return bridge.Status() == entity.FeedStatusConnected
	})
	wsHandler.NewFeedWSHandler(bridge, wsHandler.Config{
		SendBuffer:   feedCfg.ClientSendBuffer,
		RequestRate:  feedCfg.ClientRequestRate,
		RequestBurst: feedCfg.ClientRequestBurst,
	}).Register(httpMux)
	httpHandler.NewFeedHTTPHandler(bridge).Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["feed_gateway_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	ops := map[string]operation{
		"feed bridge": func(ctx context.Context) error {
			cancel()
			bridge.Stop()
			greeksPool.Stop()
			return nil
		},
		"grpc": func(ctx context.Context) error {
			return grpcServer.Shutdown(ctx)
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
	}
	if db != nil {
		ops["instrument database"] = func(ctx context.Context) error {
			cancel()
			return db.Close()
		}
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, ops)

	<-wait
}

func newBridgeConfig(cfg config.FeedConfig) feed.BridgeConfig {
	underlyings := make(map[entity.InstrumentKey]feed.UnderlyingSettings, len(cfg.Underlyings))
	for _, u := range cfg.Underlyings {
		key, err := feed.NormalizeInstrumentKey(u.Key)
		if err != nil {
			logrus.WithField("key", u.Key).Warnf("skipping underlying config: %v", err)
			continue
		}

		underlyings[key] = feed.UnderlyingSettings{
			Symbol:         strings.TrimSpace(u.Symbol),
			OptionSegment:  strings.TrimSpace(u.OptionSegment),
			StrikeInterval: u.StrikeInterval,
			WindowRadius:   u.WindowRadius,
			Expiry:         strings.TrimSpace(u.Expiry),
		}
	}

	return feed.BridgeConfig{
		DefaultUnderlying:  strings.TrimSpace(cfg.DefaultUnderlying),
		DefaultRadius:      cfg.WindowRadius,
		OptionSegment:      strings.TrimSpace(cfg.OptionSegment),
		Underlyings:        underlyings,
		GreeksThrottle:     cfg.GreeksThrottle,
		RiskFreeRate:       cfg.RiskFreeRate,
		AckTimeout:         cfg.AckTimeout,
		RetryFactor:        cfg.ReconnectFactor,
		RetryMinJitter:     cfg.MinJitter,
		RetryMaxJitter:     cfg.MaxJitter,
		MarketPollInterval: cfg.MarketHours.PollInterval,
		Upstream: feed.UpstreamConfig{
			AuthorizeTimeout: cfg.AuthorizeTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// fallbackResolver formats keys for strikes the catalog does not list.
func fallbackResolver(cfg feed.BridgeConfig) func(underlying entity.InstrumentKey) feed.OptionKeyResolver {
	return func(underlying entity.InstrumentKey) feed.OptionKeyResolver {
		settings := cfg.Underlyings[underlying]

		segment := settings.OptionSegment
		if segment == "" {
			segment = cfg.OptionSegment
		}
		if segment == "" {
			segment = underlying.Segment()
		}

		return feed.SymbolKeyResolver{Segment: segment, Symbol: settings.Symbol}
	}
}
