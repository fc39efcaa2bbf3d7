// Package mqtt receives push messages from an MQTT broker and posts them to
// the agent as push events.
package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/vigilhome/vigil-agent/internal/agent"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

const (
	DefaultTopic          = "vigil/push/#"
	DefaultQoS            = 1
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// Poster accepts events for asynchronous dispatch.
type Poster interface {
	Post(ctx context.Context, ev *agent.Event) error
}

// Config configures the broker connection.
type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// Ingress subscribes to the push topic and turns every message into a push
// event. Subscriptions are restored after each reconnect.
type Ingress struct {
	cfg    Config
	poster Poster
	log    logger.Logger

	mu     sync.Mutex
	client paho.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewIngress validates cfg and returns an unconnected ingress.
func NewIngress(cfg Config, poster Poster, log logger.Logger) (*Ingress, error) {
	if cfg.Broker == "" {
		return nil, errors.Newf("mqtt broker is required").
			Component("mqtt").
			Category(errors.CategoryConfig).
			Build()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.QoS == 0 {
		cfg.QoS = DefaultQoS
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "vigil-agent"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Ingress{
		cfg:    cfg,
		poster: poster,
		log:    log.Module("mqtt").With(logger.String("broker", cfg.Broker)),
	}, nil
}

// Start connects to the broker. It returns once the first connection is up
// or fails; later disconnects are retried by the client.
func (i *Ingress) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		return nil
	}

	i.ctx, i.cancel = context.WithCancel(context.WithoutCancel(ctx))

	opts := paho.NewClientOptions()
	opts.AddBroker(i.cfg.Broker)
	opts.SetClientID(i.cfg.ClientID)
	opts.SetUsername(i.cfg.Username)
	opts.SetPassword(i.cfg.Password)
	opts.SetConnectTimeout(i.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(i.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		i.log.Warn("mqtt connection lost", logger.Error(err))
	})

	client := paho.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(disconnectQuiesceMs)
		i.cancel()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		i.cancel()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("broker", i.cfg.Broker).
			Build()
	}

	i.client = client
	return nil
}

func (i *Ingress) onConnect(c paho.Client) {
	token := c.Subscribe(i.cfg.Topic, i.cfg.QoS, i.handle)
	if !token.WaitTimeout(i.cfg.ConnectTimeout) {
		i.log.Error("mqtt subscribe timed out", logger.String("topic", i.cfg.Topic))
		return
	}
	if err := token.Error(); err != nil {
		i.log.Error("mqtt subscribe failed",
			logger.String("topic", i.cfg.Topic),
			logger.Error(err))
		return
	}
	i.log.Info("subscribed to push topic",
		logger.String("topic", i.cfg.Topic),
		logger.Int("qos", int(i.cfg.QoS)))
}

// handle posts the message payload as a push event. Posting blocks while the
// agent queue is full, which holds back the broker's delivery.
func (i *Ingress) handle(_ paho.Client, msg paho.Message) {
	// Retained payloads would replay an old alert on every reconnect.
	if msg.Retained() || len(msg.Payload()) == 0 {
		return
	}

	data := make([]byte, len(msg.Payload()))
	copy(data, msg.Payload())

	ctx := i.context()
	if err := i.poster.Post(ctx, &agent.Event{Kind: agent.KindPush, Data: data}); err != nil {
		i.log.Error("push message not queued",
			logger.String("topic", msg.Topic()),
			logger.Error(err))
		return
	}
	i.log.Debug("push message queued",
		logger.String("topic", msg.Topic()),
		logger.Int("bytes", len(data)))
}

func (i *Ingress) context() context.Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ctx == nil {
		return context.Background()
	}
	return i.ctx
}

// IsConnected reports whether the broker connection is up.
func (i *Ingress) IsConnected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.client != nil && i.client.IsConnectionOpen()
}

// Stop disconnects from the broker. Safe to call when never started.
func (i *Ingress) Stop() {
	i.mu.Lock()
	client := i.client
	cancel := i.cancel
	i.client = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Disconnect(disconnectQuiesceMs)
	}
}
