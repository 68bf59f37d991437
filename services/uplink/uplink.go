// Package uplink forwards telemetry to an MQTT broker. Strictly
// best-effort: QoS 0, fire and forget, retained so a dashboard joining
// late sees the last record. Broker trouble costs nothing but gaps in
// the remote history.
package uplink

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bmscode-go/bus"
)

const connectTimeout = 5 * time.Second

type Service struct {
	broker string
	prefix string
	client mqtt.Client
	conn   *bus.Connection
}

// New wires the uplink to the in-process bus. prefix is the remote
// topic root, e.g. "bms/pack0".
func New(broker, clientID, prefix string, conn *bus.Connection) *Service {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("[uplink] connected to %s", broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[uplink] connection lost: %v", err)
		})
	return &Service{
		broker: broker,
		prefix: prefix,
		client: mqtt.NewClient(opts),
		conn:   conn,
	}
}

func (s *Service) Start(ctx context.Context) error {
	// ConnectRetry keeps trying in the background; the token only gates
	// the first attempt.
	s.client.Connect()

	sub := s.conn.Subscribe(bus.Topic{"telemetry", "+"})
	go func() {
		defer s.conn.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				s.client.Disconnect(250)
				return
			case msg := <-sub.Channel():
				s.forward(msg)
			}
		}
	}()
	return nil
}

// forward pushes one telemetry record out. Payloads on the telemetry
// topics are pre-encoded JSON, so they go to the wire untouched.
func (s *Service) forward(msg *bus.Message) {
	if !s.client.IsConnected() {
		return
	}
	b, ok := msg.Payload.([]byte)
	if !ok {
		log.Printf("[uplink] non-bytes payload on %v, dropping", msg.Topic)
		return
	}
	remote := fmt.Sprintf("%s/%s", s.prefix, msg.Topic[len(msg.Topic)-1])
	s.client.Publish(remote, 0, true, b)
}
