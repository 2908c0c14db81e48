package constant

// config map keys
const (
	InstrumentDatabase = "instrument"
	SnapshotRedis      = "snapshot"
)
