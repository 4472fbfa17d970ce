package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// ClientAPI is the minimal surface the rest of the service needs. It enables
// unit testing listeners and dispatchers without a live broker.
type ClientAPI interface {
	Subscribe(topic string, qos byte, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
}

// Message is re-exported type for handlers
type Message = mqtt.Message

// Conn is the underlying paho client as it appears in handler signatures.
type Conn = mqtt.Client

// Handler is handler signature
type Handler = mqtt.MessageHandler

type Client struct {
	cli            mqtt.Client
	publishTimeout time.Duration
}

// Connect dials the broker synchronously. The returned client is the single
// long-lived connection for the process; callers inject it rather than
// lazily creating their own.
func Connect(brokerURL, clientID string, publishTimeout time.Duration) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	if u.Scheme == "mqtt" || u.Scheme == "tcp" {
		server = "tcp://" + server
	} else if u.Scheme == "ssl" || u.Scheme == "tls" {
		server = "ssl://" + server
	} else if u.Scheme == "ws" || u.Scheme == "wss" {
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	opts.SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, t.Error()
	}
	return &Client{cli: cli, publishTimeout: publishTimeout}, nil
}

func (c *Client) Subscribe(topic string, qos byte, cb Handler) error {
	t := c.cli.Subscribe(topic, qos, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

// Publish sends with a bounded wait so a wedged broker fails the caller
// instead of hanging it.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	t := c.cli.Publish(topic, qos, false, payload)
	if !t.WaitTimeout(c.publishTimeout) {
		return ErrPublishTimeout
	}
	return t.Error()
}

func (c *Client) Disconnect() {
	c.cli.Disconnect(250)
}
