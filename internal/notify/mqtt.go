package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"securordo/internal/domain"
)

// DefaultTopic base MQTT topic; alerts go to <topic>/<severity>.
const DefaultTopic = "securordo/fraud-alerts"

// Publisher is satisfied by *common/mqtt.Client.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTNotifier publishes alerts for dashboards subscribed to the broker.
type MQTTNotifier struct {
	pub   Publisher
	topic string
}

func NewMQTTNotifier(pub Publisher, topic string) *MQTTNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTNotifier{pub: pub, topic: topic}
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) NotifyFraud(ctx context.Context, alert *domain.FraudAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode fraud alert %s: %w", alert.ID, err)
	}
	// paho has no context support; Publish is bounded by the client timeout
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.pub.Publish(fmt.Sprintf("%s/%s", n.topic, alert.Severity), false, payload)
}
