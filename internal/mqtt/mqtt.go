// Package mqtt maintains the broker session and hands raw messages to the
// pipeline over a bounded channel.
package mqtt

import (
	"crypto/tls"
	"log/slog"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/traksense/ingest-core/internal/observability"
)

// Message is one raw broker delivery.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

type Options struct {
	BrokerURL      string
	ClientIDPrefix string
	Filters        []string
	QoS            byte
	// ChannelCapacity bounds the hand-off channel to the router workers.
	ChannelCapacity int
	// OnDrop is called when a QoS 0 message is discarded at a full channel.
	OnDrop func(topic string)
}

// Client wraps a paho session. At QoS 1 a full channel blocks the paho
// handler, pushing pressure back to the broker's in-flight window; at
// QoS 0 the message is dropped and counted.
type Client struct {
	cli  paho.Client
	opts Options
	msgs chan Message
	done chan struct{}
}

func Connect(opts Options) (*Client, error) {
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = 1024
	}
	c := &Client{
		opts: opts,
		msgs: make(chan Message, opts.ChannelCapacity),
		done: make(chan struct{}),
	}

	u, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return nil, err
	}
	po := paho.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp", "":
		server = "tcp://" + server
	case "ssl", "tls", "mqtts":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	po.AddBroker(server)
	prefix := opts.ClientIDPrefix
	if prefix == "" {
		prefix = "ingest-core"
	}
	po.SetClientID(prefix + "-" + time.Now().Format("150405.000"))
	if u.User != nil {
		pw, _ := u.User.Password()
		po.SetUsername(u.User.Username())
		po.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" || u.Scheme == "wss" {
		po.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten once brokers carry real certs
	}

	// At-least-once leans on broker session persistence while we are away;
	// at-most-once keeps a clean session.
	po.SetCleanSession(opts.QoS == 0)
	po.SetResumeSubs(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(1 * time.Second)
	po.SetMaxReconnectInterval(60 * time.Second)
	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)
	po.SetOrderMatters(true)

	po.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	po.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		observability.ReconnectsTotal.Inc()
		slog.Info("mqtt reconnecting", "broker", opts.BrokerURL)
	}
	po.OnConnect = func(cli paho.Client) {
		slog.Info("mqtt connected", "broker", opts.BrokerURL)
		c.subscribeAll(cli)
	}

	c.cli = paho.NewClient(po)
	tok := c.cli.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, tok.Error()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

// subscribeAll subscribes every configured filter. A broker-side denial of
// one filter (grant 0x80) leaves the other filters live.
func (c *Client) subscribeAll(cli paho.Client) {
	filters := make(map[string]byte, len(c.opts.Filters))
	for _, f := range c.opts.Filters {
		filters[f] = c.opts.QoS
	}
	tok := cli.SubscribeMultiple(filters, c.handle)
	tok.Wait()
	if err := tok.Error(); err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		return
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		for filter, granted := range st.Result() {
			if granted == 0x80 {
				slog.Warn("mqtt subscription denied", "filter", filter)
				continue
			}
			slog.Info("mqtt subscribed", "filter", filter, "granted_qos", granted)
		}
	}
}

func (c *Client) handle(_ paho.Client, m paho.Message) {
	msg := Message{
		Topic:      m.Topic(),
		Payload:    append([]byte(nil), m.Payload()...),
		ReceivedAt: time.Now().UTC(),
	}
	if c.opts.QoS == 0 {
		select {
		case c.msgs <- msg:
		case <-c.done:
		default:
			if c.opts.OnDrop != nil {
				c.opts.OnDrop(msg.Topic)
			}
		}
		return
	}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

// Messages is the hand-off channel; it closes after Close.
func (c *Client) Messages() <-chan Message { return c.msgs }

func (c *Client) Connected() bool {
	return c != nil && c.cli != nil && c.cli.IsConnectionOpen()
}

// Close stops intake and closes the message channel. Pending handler
// deliveries are released via the done channel before the close.
func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	close(c.done)
	c.cli.Disconnect(1000)
	close(c.msgs)
}
