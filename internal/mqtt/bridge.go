package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/engram/internal/buildinfo"
	"github.com/nugget/engram/internal/config"
	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/memory"
)

// Bridge manages the MQTT connection, keeps the retained state topics
// fresh, and accepts manual memories on the remember topic.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	model      string
	dir        string
	memories   *memory.Store
	journal    *journal.Store
	bus        *events.Bus
	tokens     *DailyTokens
	limiter    *messageRateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu      sync.Mutex
	lastRun time.Time
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and publish loop. model and dir describe the
// extraction setup for the state topics.
func New(cfg config.MQTTConfig, instanceID, model, dir string, memories *memory.Store, jrnl *journal.Store, bus *events.Bus, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		model:      model,
		dir:        dir,
		memories:   memories,
		journal:    jrnl,
		bus:        bus,
		tokens:     NewDailyTokens(nil),
		limiter:    newMessageRateLimiter(60, time.Minute, logger),
		logger:     logger,
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes a birth message and re-subscribes
// to the remember topic.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
			b.subscribeRemember(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "engram-" + shortInstance(b.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.watchBus(ctx)
	go b.limiter.start(ctx)

	b.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	prefix := b.cfg.TopicPrefix
	if prefix == "" {
		prefix = "engram"
	}
	return prefix
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/state/" + entity
}

func (b *Bridge) rememberTopic() string {
	return b.baseTopic() + "/remember"
}

func (b *Bridge) eventTopic(kind string) string {
	return b.baseTopic() + "/event/" + kind
}

// shortInstance truncates a UUID for use in the MQTT client ID.
func shortInstance(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Publishing ---

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

func (b *Bridge) runLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	b.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

func (b *Bridge) publishStates(ctx context.Context) {
	if b.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":  buildinfo.Uptime().String(),
		"version": buildinfo.Version,
		"model":   b.model,
	}

	if stats, err := b.journal.Stats(); err == nil {
		states["runs_total"] = strconv.Itoa(stats.RunsTotal)
		states["pending_turns"] = strconv.Itoa(stats.TurnsPending)
		states["entries_appended"] = strconv.Itoa(stats.EntriesAppended)
	} else {
		b.logger.Debug("mqtt stats fetch failed", "error", err)
	}

	states["memories"] = strconv.Itoa(len(b.memories.Entries(b.dir)))

	input, output, _ := b.tokens.Snapshot()
	states["tokens_today"] = strconv.FormatInt(input+output, 10)

	b.mu.Lock()
	lastRun := b.lastRun
	b.mu.Unlock()
	if !lastRun.IsZero() {
		states["last_run"] = lastRun.Format(time.RFC3339)
	} else {
		states["last_run"] = "never"
	}

	for entity, value := range states {
		if _, err := b.cm.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	b.logger.Debug("mqtt states published", "entities", len(states))
}

// watchBus folds internal events into the bridge: completed runs feed
// the daily token accumulator and refresh the state topics right away
// instead of waiting for the next tick.
func (b *Bridge) watchBus(ctx context.Context) {
	if b.bus == nil {
		return
	}
	ch := b.bus.Subscribe(64)
	defer b.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindMemoryRecorded:
				b.publishEvent(ctx, ev)
			case events.KindRunCompleted:
				b.tokens.OnTokens(intData(ev.Data, "tokens_in"), intData(ev.Data, "tokens_out"))
				b.mu.Lock()
				b.lastRun = ev.Timestamp
				b.mu.Unlock()
				b.publishStates(ctx)
			}
		}
	}
}

// publishEvent mirrors a bus event onto the event topic as JSON, so
// external subscribers can react to new memories without polling.
func (b *Bridge) publishEvent(ctx context.Context, ev events.Event) {
	if b.cm == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Debug("mqtt event marshal failed", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}

// intData pulls an integer out of an event data map. Events stay
// in-process, but be liberal about the numeric type anyway.
func intData(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
