package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/colloquy/internal/config"
	"github.com/nugget/colloquy/internal/events"
)

// statsInterval is how often the token total is republished.
const statsInterval = time.Minute

// publisher is the subset of the autopaho connection manager the
// forwarding loop needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to the broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Forwarder but does not connect. instanceID keeps the
// client id unique per installation.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, tokens *DailyTokens, logger *slog.Logger) *Forwarder {
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     tokens,
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(ch)
	f.forward(ctx, cm, ch, statsInterval)
	return nil
}

// Stop publishes "offline" and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the connwatch probe.
func (f *Forwarder) AwaitConnection(ctx context.Context) error {
	if f.cm == nil {
		return fmt.Errorf("mqtt forwarder not started")
	}
	return f.cm.AwaitConnection(ctx)
}

func (f *Forwarder) clientID() string {
	if len(f.instanceID) >= 8 {
		return f.cfg.ClientID + "-" + f.instanceID[len(f.instanceID)-8:]
	}
	return f.cfg.ClientID
}

func (f *Forwarder) availabilityTopic() string {
	return f.cfg.TopicPrefix + "/availability"
}

func (f *Forwarder) eventTopic(e events.Event) string {
	return f.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

func (f *Forwarder) tokensTopic() string {
	return f.cfg.TopicPrefix + "/stats/tokens_today"
}

// forward drains ch until it closes or ctx ends, republishing the
// token total every interval.
func (f *Forwarder) forward(ctx context.Context, pub publisher, ch <-chan events.Event, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.countTokens(e)
			f.publishEvent(ctx, pub, e)
		case <-ticker.C:
			f.publishTokens(ctx, pub)
		}
	}
}

func (f *Forwarder) countTokens(e events.Event) {
	if e.Kind != events.KindTurnComplete {
		return
	}
	in, _ := e.Data["input_tokens"].(int)
	out, _ := e.Data["output_tokens"].(int)
	f.tokens.OnTokens(in, out)
}

func (f *Forwarder) publishEvent(ctx context.Context, pub publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (f *Forwarder) publishTokens(ctx context.Context, pub publisher) {
	in, out, _ := f.tokens.Snapshot()
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.tokensTopic(),
		Payload: []byte(strconv.FormatInt(in+out, 10)),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		f.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	f.logger.Info("mqtt availability published", "status", status)
}
