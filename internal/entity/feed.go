package entity

type FeedState string

const (
	FeedStateDisconnected FeedState = "DISCONNECTED"
	FeedStateAuthorizing  FeedState = "AUTHORIZING"
	FeedStateConnecting   FeedState = "CONNECTING"
	FeedStateConnected    FeedState = "CONNECTED"
	FeedStateResetting    FeedState = "RESETTING"
	FeedStateStopped      FeedState = "STOPPED"
)

// FeedStatus is the client-facing view of the upstream state.
type FeedStatus string

const (
	FeedStatusConnecting   FeedStatus = "connecting"
	FeedStatusConnected    FeedStatus = "connected"
	FeedStatusResetting    FeedStatus = "resetting"
	FeedStatusDisconnected FeedStatus = "disconnected"
	FeedStatusMarketClosed FeedStatus = "market_closed"
)

func (s FeedState) Status() FeedStatus {
	switch s {
	case FeedStateAuthorizing, FeedStateConnecting:
		return FeedStatusConnecting
	case FeedStateConnected:
		return FeedStatusConnected
	case FeedStateResetting:
		return FeedStatusResetting
	default:
		return FeedStatusDisconnected
	}
}

// FeedSnapshot describes the bridge for status endpoints.
type FeedSnapshot struct {
	State            FeedState  `json:"state"`
	Status           FeedStatus `json:"status"`
	Underlying       string     `json:"underlying"`
	ActiveATM        string     `json:"activeAtm"`
	ActiveGeneration uint64     `json:"activeGeneration"`
	Generation       uint64     `json:"generation"`
	KeysCount        int        `json:"keysCount"`
	ResetInFlight    bool       `json:"resetInFlight"`
	PendingRequests  int        `json:"pendingRequests"`
	TicksAccepted    uint64     `json:"ticksAccepted"`
	TicksRejected    uint64     `json:"ticksRejected"`
	Subscribers      int        `json:"subscribers"`
}
