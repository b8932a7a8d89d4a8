package publish

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes to MQTT topics at QoS 1.
type MQTT struct {
	client mqtt.Client
	logger *slog.Logger
}

// DialMQTT connects to broker (for example "tcp://localhost:1883").
func DialMQTT(ctx context.Context, broker, clientID string, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = "careflow"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", broker, "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	logger.Info("mqtt publisher connected", "broker", broker, "client_id", clientID)
	return &MQTT{client: client, logger: logger}, nil
}

// Publish implements ports.EventPublisher.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, m.client.Publish(topic, 1, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work 250ms to finish.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
