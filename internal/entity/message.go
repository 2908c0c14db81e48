package entity

const (
	ActionSwitchUnderlying = "switch_underlying"
	ActionGetStatus        = "get_status"
)

const (
	MessageTypeSubscriptionAck   = "SUBSCRIPTION_ACK"
	MessageTypeSubscriptionError = "SUBSCRIPTION_ERROR"
	MessageTypeMarketUpdate      = "MARKET_UPDATE"
	MessageTypeFeedStatus        = "FEED_STATUS"
	MessageTypeError             = "ERROR"
)

const (
	AckStatusSuccess = "success"
	AckStatusError   = "error"
)

// Reasons carried by SUBSCRIPTION_ERROR and ERROR messages.
const (
	ReasonInvalidInstrumentKey  = "invalid_instrument_key"
	ReasonUnknownStrikeInterval = "unknown_strike_interval"
	ReasonInvalidWindow         = "invalid_window"
	ReasonMarketClosed          = "market_closed"
	ReasonTimeout               = "timeout"
	ReasonStopped               = "stopped"
	ReasonRateLimited           = "rate_limited"
	ReasonMalformedRequest      = "malformed_request"
	ReasonUnknownAction         = "unknown_action"
)

type ClientRequest struct {
	Action         string   `json:"action"`
	UnderlyingKey  string   `json:"underlyingKey"`
	CandidateKeys  []string `json:"candidateKeys"`
	StrikeInterval float64  `json:"strikeInterval,omitempty"`
	WindowRadius   *int     `json:"windowRadius,omitempty"`
	Expiry         string   `json:"expiry,omitempty"`
}

type SubscriptionAck struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	Underlying string `json:"underlying"`
	KeysCount  int    `json:"keysCount"`
}

func NewSubscriptionAck(underlying InstrumentKey, keysCount int) SubscriptionAck {
	return SubscriptionAck{
		Type:       MessageTypeSubscriptionAck,
		Status:     AckStatusSuccess,
		Underlying: underlying.String(),
		KeysCount:  keysCount,
	}
}

type SubscriptionError struct {
	Type       string `json:"type"`
	Underlying string `json:"underlying"`
	Reason     string `json:"reason"`
}

func NewSubscriptionError(underlying, reason string) SubscriptionError {
	return SubscriptionError{
		Type:       MessageTypeSubscriptionError,
		Underlying: underlying,
		Reason:     reason,
	}
}

type MarketUpdate struct {
	Type string                         `json:"type"`
	Data map[InstrumentKey]MarketRecord `json:"data"`
}

func NewMarketUpdate(data map[InstrumentKey]MarketRecord) MarketUpdate {
	return MarketUpdate{Type: MessageTypeMarketUpdate, Data: data}
}

type FeedStatusMessage struct {
	Type   string     `json:"type"`
	Status FeedStatus `json:"status"`
}

func NewFeedStatusMessage(status FeedStatus) FeedStatusMessage {
	return FeedStatusMessage{Type: MessageTypeFeedStatus, Status: status}
}

type ErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewErrorMessage(reason string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Reason: reason}
}
