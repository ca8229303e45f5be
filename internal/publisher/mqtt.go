package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/dialmate/internal/logger"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	status string
	log    *slog.Logger
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// TopicPrefix places the online/offline status topic.
	TopicPrefix string
	Username    string
	Password    string
	Logger      *slog.Logger
}

// NewMQTTPublisher creates and connects an MQTT publisher. The broker
// publishes a retained "offline" on StatusTopic if the client drops.
func NewMQTTPublisher(ctx context.Context, opts MQTTOptions) (*MQTTPublisher, error) {
	log := logger.OrDefault(opts.Logger).With("component", "mqtt", "broker", opts.Broker)
	status := StatusTopic(opts.TopicPrefix)

	p := &MQTTPublisher{qos: opts.QoS, status: status, log: log}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(60*time.Second).
		SetWill(status, "offline", opts.QoS, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info("mqtt connected")
			c.Publish(status, opts.QoS, true, "online")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "error", err)
		})

	p.client = mqtt.NewClient(clientOpts)
	if err := wait(ctx, p.client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return p, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	return wait(ctx, p.client.Publish(topic, p.qos, retained, payload))
}

// Close marks the client offline and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := wait(ctx, p.client.Publish(p.status, p.qos, true, "offline")); err != nil {
			p.log.Warn("publishing offline status", "error", err)
		}
	}
	p.client.Disconnect(1000)
	return nil
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
