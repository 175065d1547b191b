package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by ReadMessage after Close.
var ErrConnClosed = errors.New("feed connection closed")

// Conn is one open feed connection delivering raw JSON messages.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a feed connection to a URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// SchemeDialer routes a URL to a dialer by its scheme.
type SchemeDialer map[string]Dialer

// NewSchemeDialer wires the WebSocket and MQTT transports to their schemes.
func NewSchemeDialer(ws *WebSocketDialer, mq *MQTTDialer) SchemeDialer {
	d := SchemeDialer{}
	if ws != nil {
		d["ws"] = ws
		d["wss"] = ws
	}
	if mq != nil {
		for _, scheme := range []string{"tcp", "mqtt", "ssl", "mqtts"} {
			d[scheme] = mq
		}
	}
	return d
}

func (d SchemeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	dialer, ok := d[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("no feed transport for scheme %q", u.Scheme)
	}
	return dialer.Dial(ctx, rawURL)
}

// WebSocketDialer connects to a controller's WebSocket feed.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

const defaultMQTTTopic = "home/state"

// MQTTDialer subscribes to a broker topic. The topic is the URL path, e.g.
// tcp://broker:1883/home/room1. Paho's own reconnection is disabled; the
// subscription loop decides when to reconnect.
type MQTTDialer struct {
	ClientIDPrefix string
	DefaultTopic   string
	QoS            byte
	ConnectTimeout time.Duration

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func (d *MQTTDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt url: %w", err)
	}
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		topic = d.DefaultTopic
	}
	if topic == "" {
		topic = defaultMQTTTopic
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "mqtt":
		scheme = "tcp"
	case "mqtts":
		scheme = "ssl"
	}
	prefix := d.ClientIDPrefix
	if prefix == "" {
		prefix = "roomwatch"
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &mqttConn{
		msgs:   make(chan []byte, 64),
		lost:   make(chan error, 1),
		closed: make(chan struct{}),
		topic:  topic,
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s", scheme, u.Host)).
		SetClientID(prefix + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case c.lost <- err:
			default:
			}
		})
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			opts.SetPassword(pw)
		}
	}

	newClient := d.newClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	c.client = newClient(opts)
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		// A cancelled wait leaves paho connecting in the background.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	handler := func(_ mqtt.Client, m mqtt.Message) {
		payload := append([]byte(nil), m.Payload()...)
		select {
		case c.msgs <- payload:
		case <-c.closed:
		}
	}
	if err := waitToken(ctx, c.client.Subscribe(topic, d.QoS, handler)); err != nil {
		c.client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return c, nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttConn struct {
	client mqtt.Client
	topic  string
	msgs   chan []byte
	lost   chan error
	closed chan struct{}
	once   sync.Once
}

func (c *mqttConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.lost:
		return nil, fmt.Errorf("mqtt connection lost: %w", err)
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

func (c *mqttConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.client.Unsubscribe(c.topic)
		c.client.Disconnect(250)
	})
	return nil
}
