package bootstrap

import (
	"context"

	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/constant"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/infrastructure"
	"github.com/krobus00/option-feed-service/internal/repository"
	"github.com/krobus00/option-feed-service/internal/service/snapshot"
	"github.com/krobus00/option-feed-service/internal/util"
	"github.com/spf13/cobra"
)

func StartMarketSnapshotWorker(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := infrastructure.NewRedisClient(ctx, config.Env.Redis[constant.SnapshotRedis])
	util.ContinueOrFatal(err)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	marketSnapshotRepo := repository.NewMarketSnapshotRepository(redisClient, config.Env.Snapshot.TTL)
	marketSnapshotService := snapshot.NewMarketSnapshotService(js, marketSnapshotRepo, config.Env.Snapshot.Throttle)

	subscribers := make([]entity.Subscriber, 0)
	subscribers = append(subscribers, marketSnapshotService)
	for _, subscriber := range subscribers {
		err := subscriber.JetstreamEventSubscribe(ctx)
		util.ContinueOrFatal(err)
	}

	go marketSnapshotService.Run(ctx)

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"nats connection": func(ctx context.Context) error {
			cancel()
			return infrastructure.CloseJetstream(nc)
		},
		"redis": func(ctx context.Context) error {
			cancel()
			return redisClient.Close()
		},
	})

	<-wait
}
