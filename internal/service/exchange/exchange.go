package exchange

import (
	"fmt"
	"strings"

	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/service/feed"
)

type BrokerName string

const (
	BrokerUpstox BrokerName = "upstox"
)

var (
	GlobalBrokerRegistry = make(map[BrokerName]feed.Broker)
)

func RegisterBroker(name BrokerName, broker feed.Broker) {
	GlobalBrokerRegistry[name] = broker
}

// InitBroker builds and registers the broker named in cfg.
func InitBroker(cfg config.BrokerConfig) (feed.Broker, error) {
	name := BrokerName(strings.ToLower(strings.TrimSpace(cfg.Name)))
	if name == "" {
		name = BrokerUpstox
	}

	switch name {
	case BrokerUpstox:
		return InitUpstoxBroker(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", name)
	}
}
