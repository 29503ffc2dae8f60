// Package telemetry implements spec.md §4.14's MQTT run broadcaster: an
// optional, best-effort fan-out of orchestrator stage-transition events
// onto an MQTT broker, active only when MQTT_BROKER_URL is configured.
// The autopaho connection-manager setup (will message, reconnect
// handling, TLS-on-scheme detection) is grounded on
// internal/mqtt.Publisher.Start, trimmed of the Home Assistant
// discovery/sensor machinery that has no equivalent in this domain.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/contentdigest/internal/events"
)

// TopicPrefix roots every topic this package publishes to, per
// spec.md §4.14's contentdigest/runs/{run_id}/stage convention.
const TopicPrefix = "contentdigest"

// ConnectTimeout bounds how long Start waits for the initial broker
// connection before returning control to the caller; autopaho keeps
// retrying in the background regardless.
const ConnectTimeout = 15 * time.Second

// Broadcaster forwards internal/events.Bus events onto an MQTT broker.
// A Broadcaster with no broker URL is inert: Start is never called and
// Run drains the bus without publishing, so orchestrator code does not
// need to special-case a disabled telemetry configuration.
type Broadcaster struct {
	brokerURL  string
	instanceID string
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New constructs a Broadcaster. An empty brokerURL disables MQTT
// publishing; callers should still call Run so bus events are drained.
func New(brokerURL, instanceID string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{brokerURL: brokerURL, instanceID: instanceID, logger: logger}
}

// Enabled reports whether a broker URL was configured.
func (b *Broadcaster) Enabled() bool { return b.brokerURL != "" }

// Start opens the MQTT connection. Safe to skip when Enabled() is
// false.
func (b *Broadcaster) Start(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}

	brokerURL, err := url.Parse(b.brokerURL)
	if err != nil {
		return fmt.Errorf("telemetry: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:   TopicPrefix + "/availability",
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("telemetry: connected to mqtt broker", "broker", b.brokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = cm.Publish(publishCtx, &paho.Publish{
				Topic:   TopicPrefix + "/availability",
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			})
		},
		OnConnectError: func(err error) {
			b.logger.Warn("telemetry: mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "contentdigest-" + b.instanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("telemetry: connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("telemetry: initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (b *Broadcaster) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	_, _ = b.cm.Publish(ctx, &paho.Publish{
		Topic:   TopicPrefix + "/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	})
	return b.cm.Disconnect(ctx)
}

// Run subscribes to bus and publishes every event it receives until
// ctx is canceled, unsubscribing on exit. It is safe to call even when
// the Broadcaster is disabled: events are simply drained and dropped,
// so the orchestrator can always publish to its bus without checking
// whether MQTT is configured.
func (b *Broadcaster) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !b.Enabled() {
				continue
			}
			if err := b.publish(ctx, e); err != nil {
				b.logger.Warn("telemetry: publish failed", "error", err)
			}
		}
	}
}

// publish renders e as JSON and sends it to the run-scoped stage topic
// when e carries a run_id, falling back to a generic events topic.
func (b *Broadcaster) publish(ctx context.Context, e events.Event) error {
	if b.cm == nil {
		return nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event: %w", err)
	}

	topic := TopicPrefix + "/events"
	if runID, ok := e.Data["run_id"].(string); ok && runID != "" {
		topic = fmt.Sprintf("%s/runs/%s/stage", TopicPrefix, runID)
	}

	_, err = b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	})
	return err
}
