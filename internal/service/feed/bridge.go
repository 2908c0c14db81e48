package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	DefaultGreeksThrottle = time.Second
	defaultAckTimeout     = 30 * time.Second
	defaultRetryFactor    = 2.0
	defaultRetryMinJitter = 500 * time.Millisecond
	defaultRetryMaxJitter = 30 * time.Second
	defaultWindowRadius   = 10
)

var (
	ErrTickRejected = errors.New("tick rejected")
	ErrEmptyTick    = errors.New("tick carries no market fields")

	defaultExchangeLocation = time.FixedZone("IST", 5*60*60+30*60)
)

type UnderlyingSettings struct {
	Symbol         string
	OptionSegment  string
	StrikeInterval float64
	WindowRadius   int
	Expiry         string
}

type BridgeConfig struct {
	DefaultUnderlying  string
	DefaultRadius      int
	OptionSegment      string
	Underlyings        map[entity.InstrumentKey]UnderlyingSettings
	GreeksThrottle     time.Duration
	RiskFreeRate       float64
	AckTimeout         time.Duration
	RetryFactor        float64
	RetryMinJitter     time.Duration
	RetryMaxJitter     time.Duration
	MarketPollInterval time.Duration
	ExchangeLocation   *time.Location
	Upstream           UpstreamConfig
}

type BridgeDeps struct {
	Broker Broker
	Hours  MarketHours
	Chains ChainLoader
	Hub    *Hub
	Greeks *GreeksWorkerPool
	Decode func(msg []byte) ([]entity.RawTick, error)
}

// feedTarget is what clients currently want subscribed.
type feedTarget struct {
	underlying entity.InstrumentKey
	interval   float64
	radius     int
	expiry     time.Time
	resolver   OptionKeyResolver
}

func (t *feedTarget) sameAs(o *feedTarget) bool {
	return o != nil &&
		t.underlying == o.underlying &&
		t.interval == o.interval &&
		t.radius == o.radius &&
		t.expiry.Equal(o.expiry)
}

type pendingRequest struct {
	sub       Subscriber
	requested entity.InstrumentKey
	timer     *time.Timer
}

// FeedBridge keeps the upstream subscription equal to the window around the
// current spot. All state below mu is mutated only while holding it; network
// I/O never runs under it.
type FeedBridge struct {
	cfg      BridgeConfig
	upstream *UpstreamConnection
	hours    MarketHours
	chains   ChainLoader
	hub      *Hub
	greeks   *GreeksWorkerPool
	decode   func(msg []byte) ([]entity.RawTick, error)
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	resets conc.WaitGroup

	statusMu sync.Mutex

	mu               sync.Mutex
	rng              *rand.Rand
	target           *feedTarget
	spot             float64
	spotKnown        bool
	active           *SubscriptionSet
	activeGeneration uint64
	generation       uint64
	resetInFlight    bool
	resetsStarted    uint64
	retryTimer       *time.Timer
	retryAttempt     int
	marketClosed     bool
	pending          []*pendingRequest
	buffer           *UpdateBuffer
	greeksCache      *GreeksCache
	status           entity.FeedStatus
	accepted         uint64
	rejected         uint64
	stopped          bool
}

func NewFeedBridge(cfg BridgeConfig, deps BridgeDeps) *FeedBridge {
	if cfg.GreeksThrottle <= 0 {
		cfg.GreeksThrottle = DefaultGreeksThrottle
	}
	if cfg.RiskFreeRate == 0 {
		cfg.RiskFreeRate = DefaultRiskFreeRate
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = defaultRetryFactor
	}
	if cfg.RetryMinJitter <= 0 {
		cfg.RetryMinJitter = defaultRetryMinJitter
	}
	if cfg.RetryMaxJitter < cfg.RetryMinJitter {
		cfg.RetryMaxJitter = max(cfg.RetryMinJitter, defaultRetryMaxJitter)
	}
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = defaultWindowRadius
	}
	if cfg.ExchangeLocation == nil {
		cfg.ExchangeLocation = defaultExchangeLocation
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	if deps.Decode == nil {
		deps.Decode = DecodeFeedFrame
		if decoder, ok := deps.Broker.(FeedDecoder); ok {
			deps.Decode = decoder.DecodeFeed
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &FeedBridge{
		cfg:         cfg,
		hours:       deps.Hours,
		chains:      deps.Chains,
		hub:         deps.Hub,
		greeks:      deps.Greeks,
		decode:      deps.Decode,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		buffer:      NewUpdateBuffer(),
		greeksCache: NewGreeksCache(cfg.GreeksThrottle),
		status:      entity.FeedStatusDisconnected,
	}
	b.upstream = NewUpstreamConnection(deps.Broker, deps.Hours, cfg.Upstream, UpstreamHandlers{
		OnMessage: b.HandleMessage,
		OnStatus:  b.handleStatus,
		OnDrop:    b.handleDrop,
	})

	return b
}

// Run subscribes the configured default underlying and watches market hours
// until ctx is done.
func (b *FeedBridge) Run(ctx context.Context) {
	if def := strings.TrimSpace(b.cfg.DefaultUnderlying); def != "" {
		b.SwitchUnderlying(ctx, nil, entity.ClientRequest{Action: entity.ActionSwitchUnderlying, UnderlyingKey: def})
	}

	if b.cfg.MarketPollInterval <= 0 || b.hours == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(b.cfg.MarketPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.marketClosed && b.hours.IsOpen(b.now()) {
				logrus.Info("market opened, resuming upstream feed")
				b.marketClosed = false
				b.maybeResetLocked()
			}
			b.mu.Unlock()
		}
	}
}

// Stop cancels pending retries and in-flight connects, answers every waiting
// request and tears the upstream down.
func (b *FeedBridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.cancelRetryLocked()
	b.failPendingLocked(entity.ReasonStopped)
	b.mu.Unlock()

	b.cancel()
	b.upstream.Stop()
	b.resets.Wait()
}

func (b *FeedBridge) Hub() *Hub {
	return b.hub
}

func (b *FeedBridge) Status() entity.FeedStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.status
}

func (b *FeedBridge) Snapshot() entity.FeedSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := entity.FeedSnapshot{
		State:            b.upstream.State(),
		Status:           b.status,
		ActiveGeneration: b.activeGeneration,
		Generation:       b.generation,
		ResetInFlight:    b.resetInFlight,
		PendingRequests:  len(b.pending),
		TicksAccepted:    b.accepted,
		TicksRejected:    b.rejected,
		Subscribers:      b.hub.Len(),
	}
	if b.target != nil {
		snap.Underlying = b.target.underlying.String()
	}
	if b.active != nil {
		snap.KeysCount = b.active.Len()
		if !b.active.IsBootstrap() {
			snap.ActiveATM = b.active.ATM().String()
		}
	}

	return snap
}

// ActiveSet returns the set the upstream was last subscribed with.
func (b *FeedBridge) ActiveSet() *SubscriptionSet {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.active
}

// SwitchUnderlying handles a subscription change. sub receives exactly one
// terminal SUBSCRIPTION_ACK or SUBSCRIPTION_ERROR; a nil sub is fire and forget.
func (b *FeedBridge) SwitchUnderlying(ctx context.Context, sub Subscriber, req entity.ClientRequest) {
	underlying, err := NormalizeInstrumentKey(req.UnderlyingKey)
	if err != nil {
		logrus.WithField("underlying", req.UnderlyingKey).Warnf("rejecting subscription request: %v", err)
		b.reply(sub, entity.NewSubscriptionError(req.UnderlyingKey, entity.ReasonInvalidInstrumentKey))
		return
	}

	target, hint, hintOK, reason := b.buildTarget(ctx, underlying, req)
	if reason != "" {
		b.reply(sub, entity.NewSubscriptionError(underlying.String(), reason))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		b.reply(sub, entity.NewSubscriptionError(underlying.String(), entity.ReasonStopped))
		return
	}

	b.marketClosed = false

	if target.sameAs(b.target) {
		if hintOK && !b.spotKnown {
			b.spot, b.spotKnown = hint, true
		}
		if b.settledLocked() {
			b.reply(sub, entity.NewSubscriptionAck(b.target.underlying, b.active.Len()))
			return
		}
		b.addPendingLocked(sub, underlying)
		b.maybeResetLocked()
		return
	}

	if b.target == nil || b.target.underlying != target.underlying {
		b.spot, b.spotKnown = 0, false
	}
	if hintOK && !b.spotKnown {
		b.spot, b.spotKnown = hint, true
	}
	if len(b.pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"superseded": len(b.pending),
			"underlying": target.underlying,
		}).Info("pending subscription requests superseded by newer target")
	}

	b.target = target
	// an in-flight reset for the previous target completes as stale
	b.generation++
	b.cancelRetryLocked()
	b.retryAttempt = 0
	b.addPendingLocked(sub, underlying)
	b.maybeResetLocked()
}

func (b *FeedBridge) buildTarget(ctx context.Context, underlying entity.InstrumentKey, req entity.ClientRequest) (*feedTarget, float64, bool, string) {
	settings := b.cfg.Underlyings[underlying]

	radius := b.cfg.DefaultRadius
	if settings.WindowRadius > 0 {
		radius = settings.WindowRadius
	}
	if req.WindowRadius != nil {
		radius = *req.WindowRadius
	}
	if radius < 0 {
		return nil, 0, false, entity.ReasonInvalidWindow
	}

	expiry := settings.Expiry
	if strings.TrimSpace(req.Expiry) != "" {
		expiry = req.Expiry
	}

	segment := settings.OptionSegment
	if segment == "" {
		segment = b.cfg.OptionSegment
	}
	if segment == "" {
		segment = underlying.Segment()
	}
	var resolver OptionKeyResolver = SymbolKeyResolver{Segment: segment, Symbol: settings.Symbol}

	var chain *OptionChain
	if b.chains != nil {
		loaded, err := b.chains.LoadOptionChain(ctx, underlying, expiry)
		if err != nil {
			logrus.WithField("underlying", underlying).Warnf("option chain unavailable, using formatted keys: %v", err)
		} else {
			chain = loaded
			resolver = loaded
		}
	}

	interval := settings.StrikeInterval
	if req.StrikeInterval > 0 {
		interval = req.StrikeInterval
	}
	if interval <= 0 && chain != nil {
		if step, ok := chain.StrikeInterval(); ok {
			interval = step.InexactFloat64()
		}
	}
	if interval <= 0 {
		return nil, 0, false, entity.ReasonUnknownStrikeInterval
	}

	var expiryDate time.Time
	if strings.TrimSpace(expiry) != "" {
		parsed, err := time.Parse(expiryLayout, strings.TrimSpace(expiry))
		if err != nil {
			return nil, 0, false, entity.ReasonInvalidWindow
		}
		expiryDate = parsed
	} else if chain != nil {
		expiryDate = chain.Expiry()
	}

	candidates := make([]entity.InstrumentKey, 0, len(req.CandidateKeys))
	for _, raw := range req.CandidateKeys {
		key, err := NormalizeInstrumentKey(raw)
		if err != nil {
			continue
		}
		candidates = append(candidates, key)
	}
	hint, hintOK := SpotHint(chain, candidates)

	return &feedTarget{
		underlying: underlying,
		interval:   interval,
		radius:     radius,
		expiry:     expiryDate,
		resolver:   resolver,
	}, hint, hintOK, ""
}

func (b *FeedBridge) desiredSetLocked() (*SubscriptionSet, error) {
	if !b.spotKnown {
		return BootstrapSet(b.target.underlying), nil
	}

	return ComputeWindow(b.spot, b.target.interval, b.target.radius, b.target.underlying, b.target.resolver)
}

// settledLocked reports whether the upstream carries the full window for the
// current target and nothing is in flight.
func (b *FeedBridge) settledLocked() bool {
	if b.target == nil || b.active == nil || b.active.IsBootstrap() || b.resetInFlight {
		return false
	}
	if b.upstream.State() != entity.FeedStateConnected {
		return false
	}

	desired, err := b.desiredSetLocked()
	if err != nil {
		return false
	}

	return b.active.Equal(desired)
}

// maybeResetLocked starts a reset when the upstream does not carry the desired
// set, or acknowledges waiting requests when it does.
func (b *FeedBridge) maybeResetLocked() {
	if b.stopped || b.target == nil || b.resetInFlight || b.retryTimer != nil || b.marketClosed {
		return
	}

	desired, err := b.desiredSetLocked()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"underlying": b.target.underlying,
			"spot":       b.spot,
		}).Errorf("cannot compute subscription window: %v", err)
		b.failPendingLocked(entity.ReasonInvalidWindow)
		return
	}

	if b.active != nil && b.active.Equal(desired) && b.upstream.State() == entity.FeedStateConnected {
		if !desired.IsBootstrap() {
			b.ackPendingLocked()
		}
		return
	}

	b.startResetLocked(desired)
}

func (b *FeedBridge) startResetLocked(desired *SubscriptionSet) {
	b.generation++
	generation := b.generation
	b.resetInFlight = true
	b.resetsStarted++
	keys := desired.Keys()

	logrus.WithFields(logrus.Fields{
		"generation": generation,
		"underlying": desired.Underlying(),
		"atm":        desired.ATM().String(),
		"keys_count": len(keys),
	}).Info("resetting upstream subscription")

	b.resets.Go(func() {
		err := b.upstream.Cycle(b.ctx, keys)
		b.completeReset(generation, desired, err)
	})
}

func (b *FeedBridge) completeReset(generation uint64, set *SubscriptionSet, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetInFlight = false
	if b.stopped || errors.Is(err, ErrStopped) {
		return
	}

	stale := generation != b.generation
	logger := logrus.WithFields(logrus.Fields{
		"generation": generation,
		"current":    b.generation,
		"underlying": set.Underlying(),
	})

	if err == nil {
		b.active = set
		if stale {
			logger.Info("stale reset discarded")
		} else {
			b.activeGeneration = generation
			b.retryAttempt = 0
			b.greeksCache.Retain(set)
		}
		b.maybeResetLocked()
		return
	}

	if errors.Is(err, ErrMarketClosed) {
		logger.Info("market closed, upstream parked")
		b.marketClosed = true
		b.failPendingLocked(entity.ReasonMarketClosed)
		return
	}

	if stale {
		logger.Warnf("stale reset failed: %v", err)
		b.maybeResetLocked()
		return
	}

	logger.Warnf("upstream reset failed: %v", err)
	b.scheduleRetryLocked()
}

func (b *FeedBridge) scheduleRetryLocked() {
	if b.retryTimer != nil || b.stopped {
		return
	}

	wait := util.BackoffWithJitter(b.retryAttempt, b.cfg.RetryFactor, b.cfg.RetryMinJitter, b.cfg.RetryMaxJitter, b.rng)
	b.retryAttempt++

	logrus.WithFields(logrus.Fields{
		"retry_in": wait.String(),
		"attempt":  b.retryAttempt,
	}).Warn("scheduling upstream reconnect")

	b.retryTimer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.retryTimer = nil
		b.maybeResetLocked()
	})
}

func (b *FeedBridge) cancelRetryLocked() {
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
}

func (b *FeedBridge) handleDrop(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || b.resetInFlight {
		return
	}

	logrus.Warnf("upstream dropped, reconnecting: %v", err)
	b.scheduleRetryLocked()
}

// handleStatus records and broadcasts a status change. statusMu spans both
// steps so clients see changes in the order they were recorded.
func (b *FeedBridge) handleStatus(_ entity.FeedState, status entity.FeedStatus) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	b.mu.Lock()
	if b.status == status {
		b.mu.Unlock()
		return
	}
	b.status = status
	b.mu.Unlock()

	b.hub.Broadcast(entity.NewFeedStatusMessage(status))
}

func (b *FeedBridge) addPendingLocked(sub Subscriber, requested entity.InstrumentKey) {
	if sub == nil {
		return
	}

	p := &pendingRequest{sub: sub, requested: requested}
	p.timer = time.AfterFunc(b.cfg.AckTimeout, func() {
		b.expirePending(p)
	})
	b.pending = append(b.pending, p)
}

func (b *FeedBridge) expirePending(p *pendingRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, candidate := range b.pending {
		if candidate != p {
			continue
		}

		b.pending = append(b.pending[:i], b.pending[i+1:]...)
		logrus.WithFields(logrus.Fields{
			"subscriber": p.sub.ID(),
			"underlying": p.requested,
		}).Warn("subscription request timed out")
		b.reply(p.sub, entity.NewSubscriptionError(b.target.underlying.String(), entity.ReasonTimeout))
		return
	}
}

func (b *FeedBridge) ackPendingLocked() {
	for _, p := range b.pending {
		p.timer.Stop()
		b.reply(p.sub, entity.NewSubscriptionAck(b.target.underlying, b.active.Len()))
	}
	b.pending = nil
}

func (b *FeedBridge) failPendingLocked(reason string) {
	underlying := ""
	if b.target != nil {
		underlying = b.target.underlying.String()
	}

	for _, p := range b.pending {
		p.timer.Stop()
		b.reply(p.sub, entity.NewSubscriptionError(underlying, reason))
	}
	b.pending = nil
}

func (b *FeedBridge) reply(sub Subscriber, msg any) {
	if sub == nil {
		return
	}

	if err := sub.Send(msg); err != nil {
		logrus.WithField("subscriber", sub.ID()).Warnf("failed to deliver subscription reply: %v", err)
	}
}

// HandleMessage decodes one upstream frame and ingests every tick in it.
func (b *FeedBridge) HandleMessage(msg []byte) {
	ticks, err := b.decode(msg)
	if err != nil {
		b.mu.Lock()
		b.rejected += uint64(countDecodeErrors(err))
		b.mu.Unlock()

		logrus.WithField("payload", string(msg)).Warnf("tick rejected: %v", err)
	}

	receivedAt := b.now()
	for _, raw := range ticks {
		_ = b.Ingest(raw, receivedAt)
	}
}

// Ingest normalizes and merges one tick. Every call either updates the buffer
// or counts and logs a rejection.
func (b *FeedBridge) Ingest(raw entity.RawTick, receivedAt time.Time) error {
	key, err := NormalizeInstrumentKey(raw.InstrumentKey)
	if err == nil && !raw.HasFields() {
		err = ErrEmptyTick
	}
	if err != nil {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"instrument_key": raw.InstrumentKey,
			"payload":        string(raw.Payload),
		}).Warnf("tick rejected: %v", err)
		return fmt.Errorf("%w: %w", ErrTickRejected, err)
	}

	tick := entity.Tick{
		InstrumentKey:   key,
		LastTradedPrice: raw.LastTradedPrice,
		Volume:          raw.Volume,
		OpenInterest:    raw.OpenInterest,
		BrokerGreeks:    raw.Greeks,
		ReceivedAt:      receivedAt,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.accepted++

	var greeks *entity.Greeks
	if tick.BrokerGreeks != nil {
		b.greeksCache.Store(key, *tick.BrokerGreeks, receivedAt)
	} else {
		greeks = b.resolveGreeksLocked(tick)
	}
	b.buffer.Merge(tick, greeks)

	if b.target != nil && key == b.target.underlying && tick.LastTradedPrice.Valid && tick.LastTradedPrice.Float64 > 0 {
		b.spot, b.spotKnown = tick.LastTradedPrice.Float64, true
		b.onSpotLocked()
	}

	return nil
}

func (b *FeedBridge) onSpotLocked() {
	if b.resetInFlight {
		// re-validated when the in-flight reset completes
		return
	}

	if b.active != nil && !b.active.IsBootstrap() && b.active.Underlying() == b.target.underlying {
		atm, err := ATMStrike(b.spot, b.target.interval)
		if err == nil && atm.Equal(b.active.ATM()) && b.upstream.State() == entity.FeedStateConnected {
			return
		}
	}

	b.maybeResetLocked()
}

// resolveGreeksLocked returns the greeks to publish with tick and schedules a
// fresh computation when the throttle window has elapsed.
func (b *FeedBridge) resolveGreeksLocked(tick entity.Tick) *entity.Greeks {
	key := tick.InstrumentKey
	price := b.greeksCache.ObservePrice(key, tick.LastTradedPrice)
	last := b.greeksCache.Last(key)

	if b.greeks == nil || b.active == nil || b.target == nil || !b.spotKnown || b.target.expiry.IsZero() || !price.Valid {
		return last
	}

	contract, ok := b.active.Contract(key)
	if !ok {
		return last
	}

	if !b.greeksCache.Claim(key, tick.ReceivedAt) {
		return last
	}

	job := GreeksJob{
		InstrumentKey: key,
		Input: GreeksInput{
			Spot:        b.spot,
			Strike:      contract.Strike.InexactFloat64(),
			OptionPrice: price.Float64,
			Type:        contract.Type,
			Expiry:      b.target.expiry,
			Now:         tick.ReceivedAt,
			Rate:        b.cfg.RiskFreeRate,
			Location:    b.cfg.ExchangeLocation,
		},
		Done: b.applyGreeks,
	}
	if !b.greeks.Submit(job) {
		b.greeksCache.Release(key)
		logrus.WithField("instrument_key", key).Debug("greeks queue full, publishing previous greeks")
	}

	return last
}

func (b *FeedBridge) applyGreeks(key entity.InstrumentKey, greeks entity.Greeks, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.greeksCache.Release(key)
		return
	}

	if b.active == nil || !b.active.Contains(key) {
		b.greeksCache.Release(key)
		return
	}

	b.greeksCache.Store(key, greeks, b.now())
	b.buffer.MergeGreeks(key, greeks)
}

// Flush swaps the update buffer for an empty one and returns its contents.
func (b *FeedBridge) Flush() map[entity.InstrumentKey]entity.MarketRecord {
	b.mu.Lock()
	if b.buffer.Len() == 0 {
		b.mu.Unlock()
		return nil
	}
	flushed := b.buffer
	b.buffer = NewUpdateBuffer()
	b.mu.Unlock()

	return flushed.Snapshot()
}

// ResetsStarted counts upstream cycles the bridge has started.
func (b *FeedBridge) ResetsStarted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.resetsStarted
}
