package main

import (
	"context"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MQTTIngestor records readings published to <prefix>/<device id>/readings.
// Payloads use the same JSON body as POST /devices/{id}/readings/.
type MQTTIngestor struct {
	client mqtt.Client
	server *Server
	prefix string
	logger *zap.Logger
}

// NewMQTTIngestor creates an ingestor for the broker named in config
func NewMQTTIngestor(config *Config, server *Server, logger *zap.Logger) *MQTTIngestor {
	m := &MQTTIngestor{
		server: server,
		prefix: strings.Trim(config.MQTTTopicPrefix, "/"),
		logger: logger.Named("mqtt"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.MQTTBroker).
		SetClientID(config.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("connection to broker lost", zap.Error(err))
		})
	m.client = mqtt.NewClient(opts)
	return m
}

func (m *MQTTIngestor) topic() string {
	return m.prefix + "/+/readings"
}

// Start connects to the broker; subscription happens on every (re)connect
func (m *MQTTIngestor) Start() error {
	token := m.client.Connect()
	token.Wait()
	return errors.Wrap(token.Error(), "failed to connect to broker")
}

// Stop disconnects from the broker
func (m *MQTTIngestor) Stop() {
	m.client.Disconnect(250)
	m.logger.Info("disconnected from broker")
}

func (m *MQTTIngestor) onConnect(client mqtt.Client) {
	token := client.Subscribe(m.topic(), 1, m.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		m.logger.Error("subscribe failed", zap.String("topic", m.topic()), zap.Error(err))
		return
	}
	m.logger.Info("subscribed", zap.String("topic", m.topic()))
}

func (m *MQTTIngestor) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := m.ingest(context.Background(), msg.Topic(), msg.Payload()); err != nil {
		m.logger.Warn("dropping reading", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// ingest validates and stores one published reading
func (m *MQTTIngestor) ingest(ctx context.Context, topic string, payload []byte) error {
	deviceID, ok := deviceIDFromTopic(m.prefix, topic)
	if !ok {
		return newValidationError("unexpected topic %s", topic)
	}

	reading, err := parseReading(deviceID, payload, m.server.now())
	if err != nil {
		return err
	}
	return m.server.addReading(ctx, reading)
}

// deviceIDFromTopic extracts the device id from <prefix>/<device id>/readings
func deviceIDFromTopic(prefix, topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "readings" {
		return "", false
	}
	return parts[0], true
}
