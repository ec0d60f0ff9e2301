// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type handlerFn func(topic string, payload []byte)

// subscriber is the part of an MQTT client the meter needs
type subscriber interface {
	Connect() error
	Subscribe(topic string, handler handlerFn) error
	Disconnect()
}

type pahoClient struct {
	client  paho.Client
	timeout time.Duration
}

func newPahoClient(broker, clientID, username, password string, timeout time.Duration) *pahoClient {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	return &pahoClient{client: paho.NewClient(opts), timeout: timeout}
}

func (c *pahoClient) Connect() error {
	return c.wait("connect", c.client.Connect())
}

func (c *pahoClient) Subscribe(topic string, handler handlerFn) error {
	token := c.client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return c.wait("subscribe to "+topic, token)
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

func (c *pahoClient) wait(op string, token paho.Token) error {
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt %s timed out after %s", op, c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
