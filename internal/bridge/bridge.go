// Package bridge forwards host events and alerts to an MQTT broker so a
// companion application can consume them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker"

	"github.com/chaz8081/beacon-radar/internal/events"
	"github.com/chaz8081/beacon-radar/internal/metrics"
	"github.com/chaz8081/beacon-radar/internal/notify"
)

// Config holds broker connection settings.
type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectRetries int
	PublishTimeout time.Duration

	// BreakerFailures consecutive publish failures open the breaker for
	// BreakerCooldown, during which publishes fail fast.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

const (
	defaultTopicPrefix    = "beaconradar"
	defaultPublishTimeout = 2 * time.Second
	defaultBreakerFails   = 5
	defaultBreakerCool    = 30 * time.Second
	disconnectQuiesceMS   = 250
	alertTopic            = "alert"
)

// Publisher sends events as JSON to <prefix>/<event type>.
type Publisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// Compile-time interface satisfaction check.
var _ notify.Notifier = (*Publisher)(nil)

// Connect dials the broker, retrying with exponential backoff, and returns
// a Publisher. The client is disconnected when ctx is cancelled.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("bridge: broker address is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			slog.Warn("[MQTT] connect failed, retrying", "broker", cfg.Broker, "error", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", cfg.Broker, err)
	}
	slog.Info("[MQTT] connected", "broker", cfg.Broker)

	p := NewPublisher(client, cfg)
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	return p, nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client mqtt.Client, cfg Config) *Publisher {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	fails := cfg.BreakerFailures
	if fails == 0 {
		fails = defaultBreakerFails
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCool
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-publish",
		Timeout: cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[MQTT] circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Publisher{client: client, prefix: prefix, qos: cfg.QoS, timeout: timeout, breaker: breaker}
}

// Topic returns the full topic for name.
func (p *Publisher) Topic(name string) string {
	return p.prefix + "/" + name
}

// PublishEvent sends ev to <prefix>/<type>.
func (p *Publisher) PublishEvent(ev events.Event) error {
	return p.publish(string(ev.Type()), ev)
}

// Notify sends an alert to <prefix>/alert.
func (p *Publisher) Notify(a notify.Alert) error {
	return p.publish(alertTopic, struct {
		Title  string              `json:"title"`
		Body   string              `json:"body"`
		Beacon events.BeaconRecord `json:"beacon"`
		SentAt int64               `json:"sentAt"`
	}{a.Title, a.Body, events.NewBeaconRecord(a.Beacon), time.Now().UnixMilli()})
}

func (p *Publisher) publish(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.IncBridgePublish("encode_error")
		return fmt.Errorf("bridge: encode %s: %w", name, err)
	}
	topic := p.Topic(name)
	_, err = p.breaker.Execute(func() (any, error) {
		token := p.client.Publish(topic, p.qos, false, payload)
		if !token.WaitTimeout(p.timeout) {
			metrics.IncBridgePublish("timeout")
			return nil, fmt.Errorf("timed out after %s", p.timeout)
		}
		if err := token.Error(); err != nil {
			metrics.IncBridgePublish("error")
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.IncBridgePublish("breaker_open")
	}
	if err != nil {
		return fmt.Errorf("bridge: publish %s: %w", topic, err)
	}
	metrics.IncBridgePublish("ok")
	slog.Debug("[MQTT] published", "topic", topic, "bytes", len(payload))
	return nil
}

// Forward publishes every event from ch until it is closed or ctx ends.
// Publish failures are logged and do not stop forwarding.
func (p *Publisher) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.PublishEvent(ev); err != nil {
				slog.Warn("[MQTT] forward event", "type", ev.Type(), "error", err)
			}
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesceMS)
		slog.Info("[MQTT] disconnected")
	}
}
