// Package mqttclient mirrors job and chunk events onto an MQTT broker and
// accepts job submissions published to it.
package mqttclient

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	prefix    string
	topics    []string
	connected atomic.Bool
	log       zerolog.Logger
	handler   atomic.Pointer[MessageHandler]
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// Connect dials the broker. The client announces itself on
// <prefix>/status ("online", retained) with an "offline" last will, and
// subscribes to <prefix>/submit.
func Connect(opts Options) (*Client, error) {
	prefix := strings.TrimSuffix(opts.TopicPrefix, "/")
	c := &Client{
		prefix: prefix,
		topics: []string{SubmitTopic(prefix)},
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(StatusTopic(prefix), "offline", 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetMessageHandler sets the handler for messages on subscribed topics.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscribing")

	client.Publish(StatusTopic(c.prefix), 1, true, "online")

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = 1
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if h := c.handler.Load(); h != nil {
		(*h)(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received")
}

// Publish sends payload without waiting longer than 5s for the broker.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.conn.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.conn.IsConnected() {
		c.conn.Publish(StatusTopic(c.prefix), 1, true, "offline").WaitTimeout(time.Second)
	}
	c.conn.Disconnect(1000)
}

// StatusTopic carries the service's retained online/offline state.
func StatusTopic(prefix string) string { return prefix + "/status" }

// SubmitTopic accepts {"audio_path": "..."} job submissions.
func SubmitTopic(prefix string) string { return prefix + "/submit" }

// EventTopic is where one bus event is mirrored:
// <prefix>/jobs/<job_id>/<type>.
func EventTopic(prefix, jobID, eventType string) string {
	if jobID == "" {
		jobID = "_"
	}
	return fmt.Sprintf("%s/jobs/%s/%s", prefix, jobID, eventType)
}
