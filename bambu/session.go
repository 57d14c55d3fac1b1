package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sourcegraph/conc"

	"github.com/john/printbridge/metrics"
)

const (
	mqttPort     = 8883
	mqttUsername = "bblp"
)

var errSessionClosed = errors.New("mqtt session closed")

// connKey names one logical device session.
type connKey struct {
	host   string
	serial string
}

func (k connKey) String() string {
	return k.host + "/" + k.serial
}

func requestTopic(serial string) string { return "device/" + serial + "/request" }
func reportTopic(serial string) string  { return "device/" + serial + "/report" }

// pendingConn is an in-flight connection attempt. Every caller that asks
// for the key while it exists waits on done and shares the outcome.
type pendingConn struct {
	client mqtt.Client
	done   chan struct{}
	err    error
}

// sessionManager owns at most one live MQTT session per connKey.
type sessionManager struct {
	cfg       Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	telemetry *telemetry
	newClient func(*mqtt.ClientOptions) mqtt.Client
	now       func() time.Time

	seq atomic.Uint64

	mu      sync.Mutex
	clients map[connKey]mqtt.Client
	pending map[connKey]*pendingConn
}

func newSessionManager(cfg Config, tlsConfig *tls.Config, logger *slog.Logger, m *metrics.Metrics, tel *telemetry) *sessionManager {
	return &sessionManager{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		logger:    logger,
		metrics:   m,
		telemetry: tel,
		newClient: mqtt.NewClient,
		now:       time.Now,
		clients:   make(map[connKey]mqtt.Client),
		pending:   make(map[connKey]*pendingConn),
	}
}

// nextSequence returns a fresh sequence_id for an outgoing command.
func (m *sessionManager) nextSequence() string {
	return strconv.FormatUint(m.seq.Add(1), 10)
}

func (m *sessionManager) options(key connKey, token string) *mqtt.ClientOptions {
	tlsConfig := m.tlsConfig.Clone()
	if !tlsConfig.InsecureSkipVerify {
		// Device certificates are issued for the serial, not the address.
		tlsConfig.ServerName = key.serial
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tls://%s:%d", key.host, mqttPort))
	opts.SetClientID(fmt.Sprintf("printbridge-%s-%d", key.serial, m.now().UnixNano()))
	opts.SetUsername(mqttUsername)
	opts.SetPassword(token)
	opts.SetTLSConfig(tlsConfig)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(m.cfg.ReconnectInterval)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(m.onConnect(key))
	opts.SetConnectionLostHandler(m.onConnectionLost(key))
	return opts
}

// client returns the live session for key, connecting if needed.
func (m *sessionManager) client(ctx context.Context, key connKey, token string) (mqtt.Client, error) {
	m.mu.Lock()
	if c, ok := m.clients[key]; ok {
		if c.IsConnected() {
			m.mu.Unlock()
			return c, nil
		}
		// Dropped and not yet recovered: retire it so the fresh attempt
		// below is the only session for the key.
		delete(m.clients, key)
		m.metrics.SetSessions(len(m.clients))
		go c.Disconnect(0)
	}

	p, inflight := m.pending[key]
	if !inflight {
		p = &pendingConn{
			client: m.newClient(m.options(key, token)),
			done:   make(chan struct{}),
		}
		m.pending[key] = p
		go m.connect(key, p)
	}
	m.mu.Unlock()

	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.client, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for mqtt session %s: %w", key, ctx.Err())
	}
}

// connect runs one attempt to completion and settles p.
func (m *sessionManager) connect(key connKey, p *pendingConn) {
	m.metrics.ConnectAttempt()
	m.logger.Debug("mqtt connecting", "key", key.String())

	token := p.client.Connect()
	var err error
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		err = fmt.Errorf("mqtt connect to %s: timed out after %s", key, m.cfg.ConnectTimeout)
	} else if token.Error() != nil {
		err = fmt.Errorf("mqtt connect to %s: %w", key, token.Error())
	}

	m.mu.Lock()
	abandoned := m.pending[key] != p
	if !abandoned {
		delete(m.pending, key)
	}
	if err == nil && abandoned {
		err = fmt.Errorf("mqtt connect to %s: %w", key, errSessionClosed)
	}
	if err == nil {
		m.clients[key] = p.client
	} else if m.clients[key] == p.client {
		delete(m.clients, key)
	}
	m.metrics.SetSessions(len(m.clients))
	p.err = err
	m.mu.Unlock()

	if err != nil {
		// Stops any retry loop the client may still be running.
		p.client.Disconnect(0)
		m.logger.Warn("mqtt connect failed", "key", key.String(), "error", err)
	} else {
		m.logger.Info("mqtt connected", "key", key.String())
	}
	close(p.done)
}

// onConnect subscribes to the report topic. It also runs after an automatic
// reconnect, in which case the client is adopted back into the table unless
// another session or attempt now owns the key.
func (m *sessionManager) onConnect(key connKey) mqtt.OnConnectHandler {
	return func(c mqtt.Client) {
		if !c.IsConnected() {
			return
		}
		m.mu.Lock()
		duplicate := false
		if p, ok := m.pending[key]; ok {
			duplicate = p.client != c
		} else if cur, ok := m.clients[key]; !ok {
			m.clients[key] = c
			m.metrics.SetSessions(len(m.clients))
			m.logger.Info("mqtt session restored", "key", key.String())
		} else {
			duplicate = cur != c
		}
		m.mu.Unlock()

		if duplicate {
			m.logger.Debug("mqtt ending duplicate session", "key", key.String())
			c.Disconnect(0)
			return
		}

		token := c.Subscribe(reportTopic(key.serial), 0, m.onReport(key))
		if !token.WaitTimeout(m.cfg.ConnectTimeout) || token.Error() != nil {
			m.logger.Warn("mqtt subscribe failed", "key", key.String(), "topic", reportTopic(key.serial), "error", token.Error())
		}
	}
}

// onConnectionLost purges the cached entry so the next request reconnects.
func (m *sessionManager) onConnectionLost(key connKey) mqtt.ConnectionLostHandler {
	return func(c mqtt.Client, err error) {
		m.mu.Lock()
		if cur, ok := m.clients[key]; ok && cur == c {
			delete(m.clients, key)
			m.metrics.SetSessions(len(m.clients))
		}
		m.mu.Unlock()
		m.logger.Warn("mqtt connection lost", "key", key.String(), "error", err)
	}
}

func (m *sessionManager) onReport(key connKey) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := m.telemetry.ingest(key, msg.Payload()); err != nil {
			m.metrics.TelemetryError()
			m.logger.Warn("discarding malformed report", "key", key.String(), "topic", msg.Topic(), "error", err)
		}
	}
}

// publish sends payload on the device request topic with QoS 1 and returns
// once the broker acknowledges it.
func (m *sessionManager) publish(ctx context.Context, key connKey, token string, payload any) error {
	c, err := m.client(ctx, key, token)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	err = waitToken(ctx, c.Publish(requestTopic(key.serial), 1, false, data), m.cfg.PublishTimeout)
	m.metrics.Publish(err)
	if err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", requestTopic(key.serial), err)
	}
	m.logger.Debug("mqtt published", "key", key.String(), "bytes", len(data))
	return nil
}

// disconnectAll cleanly ends every cached session and clears both tables.
func (m *sessionManager) disconnectAll(ctx context.Context) error {
	m.mu.Lock()
	clients := make(map[connKey]mqtt.Client, len(m.clients))
	for k, c := range m.clients {
		clients[k] = c
	}
	m.mu.Unlock()

	quiesce := uint(m.cfg.DisconnectQuiesce / time.Millisecond)
	var wg conc.WaitGroup
	for key, c := range clients {
		wg.Go(func() {
			c.Disconnect(quiesce)
			m.logger.Info("mqtt session ended", "key", key.String())
		})
	}
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		if r := wg.WaitAndRecover(); r != nil {
			m.logger.Error("mqtt disconnect panicked", "error", r.AsError())
		}
	}()
	// The tables are cleared even when ctx expires first; stragglers keep
	// disconnecting in the background.
	var err error
	select {
	case <-ended:
	case <-ctx.Done():
		err = fmt.Errorf("ending mqtt sessions: %w", ctx.Err())
	}

	m.mu.Lock()
	for k := range clients {
		if m.clients[k] == clients[k] {
			delete(m.clients, k)
		}
		m.telemetry.forget(k)
	}
	for k := range m.pending {
		delete(m.pending, k)
	}
	m.metrics.SetSessions(len(m.clients))
	m.mu.Unlock()
	return err
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
