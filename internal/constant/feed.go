package constant

const (
	ProductionEnvironment  = "production"
	DevelopmentEnvironment = "development"
)

const (
	FeedStreamName                = "FEED"
	FeedStreamSubjectAll          = "feed.*"
	FeedStreamSubjectMarketUpdate = "feed.market_update"
	FeedStreamSubjectStatus       = "feed.status"

	MarketSnapshotQueueGroup = "market_snapshot_group"
)

const (
	MarketSnapshotKeyPrefix = "md:"
)

func GetMarketSnapshotKey(instrumentKey string) string {
	return MarketSnapshotKeyPrefix + instrumentKey
}
