package delivery

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// MQTTConnector opens one broker session per delivery. Reconnects are off:
// a dropped session fails the attempt and the reading goes to the backlog.
type MQTTConnector struct {
	URI      string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

func (m *MQTTConnector) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(m.URI).
		SetClientID(m.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)
	if m.Timeout > 0 {
		opts.SetConnectTimeout(m.Timeout).SetWriteTimeout(m.Timeout)
	}
	if m.Username != "" {
		opts.SetUsername(m.Username).SetPassword(m.Password)
	}
	return opts
}

func (m *MQTTConnector) Connect(ctx context.Context) (Session, error) {
	client := mqtt.NewClient(m.clientOptions())
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, errors.Wrapf(err, "connect [%v]", m.URI)
	}
	return &mqttSession{client: client}, nil
}

type mqttSession struct {
	client mqtt.Client
}

// Publish returns once the broker has acknowledged the message at its QoS.
func (s *mqttSession) Publish(ctx context.Context, m Message) error {
	return wait(ctx, s.client.Publish(m.Topic, m.QoS, m.Retained, m.Payload))
}

func (s *mqttSession) Disconnect() {
	s.client.Disconnect(250)
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
