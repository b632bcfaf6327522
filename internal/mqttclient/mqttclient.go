// Package mqttclient implements C5: the MQTT transport that keeps exactly
// one logical subscription alive against the configured broker, resubscribes
// on every reconnect, and decouples message delivery from paho's network
// goroutine so a slow decode/process pipeline never stalls the read loop.
package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/metrics"
)

// Liveness is the five-state connection/data-freshness classification
// surfaced through the HTTP status endpoint for status reporting only, never
// for routing decisions.
type Liveness int

const (
	Disconnected Liveness = iota
	Connecting
	ConnectedToServer
	StaleData
	ReceivingPackets
)

func (l Liveness) String() string {
	switch l {
	case ReceivingPackets:
		return "receiving_packets"
	case StaleData:
		return "stale_data"
	case ConnectedToServer:
		return "connected_to_server"
	case Connecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// allNodesStaleness and specialOnlyStaleness are the two staleness
// thresholds: a wide `#` subscription sees high traffic
// so 5 minutes without a packet means something is wrong, while a
// special-node-only subscription is naturally sparse and tolerates an hour
// of silence.
const (
	allNodesStaleness    = 5 * time.Minute
	specialOnlyStaleness = 60 * time.Minute
)

// Handler processes one decoded MQTT message. It is called from a worker
// goroutine, never from paho's own network goroutine.
type Handler func(topic string, payload []byte, receivedAt time.Time)

// Client wraps a paho MQTT client with auto-reconnect, resubscribe-on-
// reconnect, and a bounded worker queue that keeps slow message processing
// off the network loop.
type Client struct {
	cfg    *config.Config
	logger *log.Logger
	handle Handler

	inner mqtt.Client

	mu              sync.Mutex
	subscribedTopic string
	allNodes        bool
	connecting      bool
	connected       bool
	lastMessageAt   time.Time
	sawAnyMessage   bool

	queue chan inboundMessage
	wg    sync.WaitGroup
}

type inboundMessage struct {
	topic   string
	payload []byte
	at      time.Time
}

// queueDepth bounds how many undelivered messages may back up behind a slow
// handler; once it is full, onMessage logs and drops further messages rather
// than blocking the paho callback (a full queue here means the handler, not
// the network, is the bottleneck).
const queueDepth = 256

// New constructs a Client. handle is invoked once per inbound message on a
// dedicated worker goroutine started by Connect.
func New(cfg *config.Config, logger *log.Logger, handle Handler) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		handle: handle,
		queue:  make(chan inboundMessage, queueDepth),
	}
}

// topicFor builds the single logical subscription topic for a channel name:
// <root>/<channel_name>/#.
func (c *Client) topicFor(channelName string) string {
	return fmt.Sprintf("%s/%s/#", c.cfg.MQTTRootTopic, channelName)
}

// Connect dials the broker and blocks until the initial connection succeeds
// or ctx is cancelled. ctx bounds only that initial wait: the worker keeps
// delivering messages until Disconnect. Reconnection after the initial
// connect is handled automatically by paho per the options configured here;
// each (re)connect resubscribes via onConnect.
func (c *Client) Connect(ctx context.Context) error {
	c.wg.Add(1)
	go c.worker(context.WithoutCancel(ctx))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.MQTTBroker, c.cfg.MQTTPort))
	if c.cfg.MQTTUsername != "" {
		opts.SetUsername(c.cfg.MQTTUsername)
		opts.SetPassword(c.cfg.MQTTPassword)
	}
	opts.SetClientID(fmt.Sprintf("meshbuoy-%d", time.Now().UnixNano()))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("mqtt connection lost", "err", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.mu.Lock()
		c.connecting = true
		c.mu.Unlock()
		c.logger.Info("mqtt reconnecting")
	})

	c.inner = mqtt.NewClient(opts)

	c.mu.Lock()
	c.connecting = true
	c.mu.Unlock()

	token := c.inner.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("connecting to mqtt broker %s: %w", c.cfg.MQTTBroker, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onConnect fires on the initial connect and every subsequent automatic
// reconnect. It (re)subscribes to the currently configured channel topic,
// so the subscription survives every reconnect.
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.connecting = false
	topic := c.subscribedTopic
	if topic == "" {
		topic = c.topicFor(c.cfg.MQTTChannelName)
		c.subscribedTopic = topic
		c.allNodes = c.cfg.MQTTChannelName == "#" || c.cfg.MQTTChannelName == ""
	}
	c.mu.Unlock()

	c.logger.Info("mqtt connected, subscribing", "topic", topic)
	if token := client.Subscribe(topic, 0, c.onMessage); token.Wait() && token.Error() != nil {
		c.logger.Error("mqtt subscribe failed", "topic", topic, "err", token.Error())
	}
}

// onMessage is paho's callback, invoked on its own network goroutine. It
// must never block: the message is enqueued and delivery happens on a
// separate worker goroutine.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	metrics.PacketsReceived.Inc()
	now := time.Now()
	m := inboundMessage{topic: msg.Topic(), payload: msg.Payload(), at: now}
	select {
	case c.queue <- m:
	default:
		c.logger.Warn("mqtt worker queue full, dropping message", "topic", m.topic)
	}
}

func (c *Client) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-c.queue:
			if !ok {
				return
			}
			c.mu.Lock()
			c.lastMessageAt = m.at
			c.sawAnyMessage = true
			c.mu.Unlock()
			c.handle(m.topic, m.payload, m.at)
		}
	}
}

// Resubscribe tears down the current subscription and establishes a new one
// for channelName without disconnecting from the broker.
func (c *Client) Resubscribe(channelName string) error {
	c.mu.Lock()
	old := c.subscribedTopic
	newTopic := c.topicFor(channelName)
	c.mu.Unlock()

	if old != "" {
		if token := c.inner.Unsubscribe(old); token.Wait() && token.Error() != nil {
			return fmt.Errorf("unsubscribing from %s: %w", old, token.Error())
		}
	}
	if token := c.inner.Subscribe(newTopic, 0, c.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", newTopic, token.Error())
	}

	c.mu.Lock()
	c.subscribedTopic = newTopic
	c.allNodes = channelName == "#" || channelName == ""
	c.mu.Unlock()
	return nil
}

// Publish sends payload to a channel-scoped topic under the root. Present
// mainly for parity with the contract paho exposes; the tracker itself is
// read-only over MQTT.
func (c *Client) Publish(channelName string, payload []byte) error {
	topic := c.topicFor(channelName)
	token := c.inner.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Disconnect drains the worker and closes the broker connection. quiesce
// bounds how long paho waits for in-flight publishes/acks before closing.
func (c *Client) Disconnect(quiesce uint) {
	if c.inner != nil && c.inner.IsConnected() {
		c.inner.Disconnect(quiesce)
	}
	close(c.queue)
	c.wg.Wait()
}

// Liveness classifies the client's current connection/data state. It never
// blocks and is safe to call from any goroutine.
func (c *Client) Liveness() Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if c.connecting {
			return Connecting
		}
		return Disconnected
	}
	if !c.sawAnyMessage {
		return ConnectedToServer
	}

	threshold := specialOnlyStaleness
	if c.allNodes {
		threshold = allNodesStaleness
	}
	if time.Since(c.lastMessageAt) < threshold {
		return ReceivingPackets
	}
	return StaleData
}
