// Package signaling maintains the websocket link to the rendezvous
// server: packet framing, per-event dispatch, keepalive, and bounded
// reconnects after a drop.
package signaling

import (
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/walkie-app/walkie/pkg/api"
	"github.com/walkie-app/walkie/pkg/config"
	"github.com/walkie-app/walkie/pkg/logger"
)

type Handler func(packet api.In)

// Transport is the client end of the signaling link. One handler slot
// per event; a later Subscribe for the same event replaces the earlier
// one. Handlers run synchronously on the read pump, so events of the
// same connection arrive in order.
type Transport struct {
	conf config.Signaling
	log  *logger.Logger

	mu       sync.Mutex
	conn     *WS
	handlers map[api.Event]Handler
	closed   bool

	connected atomic.Bool
	keepalive *time.Ticker
	kaDone    chan struct{}
}

var ErrNotConnected = errors.New("not connected")

func New(conf config.Signaling, log *logger.Logger) *Transport {
	return &Transport{
		conf:     conf,
		log:      log.Extend(log.With().Str("s", "sig")),
		handlers: make(map[api.Event]Handler, 12),
	}
}

func (t *Transport) url() url.URL {
	scheme := "ws"
	if t.conf.Secure {
		scheme = "wss"
	}
	return url.URL{Scheme: scheme, Host: t.conf.Address, Path: t.conf.Endpoint}
}

// Subscribe registers the handler for an event, replacing any previous one.
func (t *Transport) Subscribe(event api.Event, fn Handler) {
	t.mu.Lock()
	t.handlers[event] = fn
	t.mu.Unlock()
}

// Connect dials the server and starts the read loop. On a later drop
// the transport redials up to the configured number of attempts with a
// fixed delay between them, then reports connection-error and stays
// down until the next explicit Connect.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	conn, err := NewClient(t.url(), t.log)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.attach(conn)
	t.mu.Unlock()
	t.emit(api.ConnectionStatus, api.Status{Connected: true})
	return nil
}

// attach wires a fresh socket in; the caller holds the lock.
func (t *Transport) attach(conn *WS) {
	t.conn = conn
	conn.OnMessage = t.handleMessage
	conn.Listen()
	t.connected.Store(true)
	t.startKeepalive()
}

func (t *Transport) Connected() bool { return t.connected.Load() }

// Send marshals and ships one packet. Fails fast when the link is down.
func (t *Transport) Send(event api.Event, payload any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	r, err := json.Marshal(api.Out{T: event, Payload: payload})
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.Write(r)
	return nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.stopKeepalive()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	t.connected.Store(false)
	if conn != nil {
		conn.Close()
		<-conn.Done
	}
}

func (t *Transport) handleMessage(message []byte, err error) {
	if err != nil {
		t.onDrop(err)
		return
	}
	var packet api.In
	if err := json.Unmarshal(message, &packet); err != nil {
		t.log.Error().Err(err).Msg("malformed packet")
		return
	}
	t.emit(packet.T, nil, packet.Payload)
}

func (t *Transport) emit(event api.Event, payload any, raw ...json.RawMessage) {
	t.mu.Lock()
	fn := t.handlers[event]
	t.mu.Unlock()
	if fn == nil {
		t.log.Debug().Msgf("no handler for [%v]", event)
		return
	}
	packet := api.In{T: event}
	if len(raw) > 0 {
		packet.Payload = raw[0]
	} else if payload != nil {
		packet.Payload, _ = json.Marshal(payload)
	}
	fn(packet)
}

// onDrop runs on the read pump after the socket dies and owns the
// reconnect sequence, so no new pump starts until it returns.
func (t *Transport) onDrop(cause error) {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.stopKeepalive()
	t.mu.Unlock()
	t.connected.Store(false)
	t.emit(api.ConnectionStatus, api.Status{Connected: false, Reason: cause.Error()})

	for i := 0; i < t.conf.ReconnectAttempts; i++ {
		time.Sleep(t.conf.ReconnectInterval)
		t.mu.Lock()
		// an explicit Connect may have attached a socket meanwhile
		if t.closed || t.conn != nil {
			t.mu.Unlock()
			return
		}
		conn, err := NewClient(t.url(), t.log)
		if err == nil {
			t.attach(conn)
			t.mu.Unlock()
			t.emit(api.ConnectionStatus, api.Status{Connected: true})
			return
		}
		t.mu.Unlock()
		t.log.Warn().Err(err).Msgf("reconnect %v/%v failed", i+1, t.conf.ReconnectAttempts)
	}
	t.emit(api.ConnectionError, api.Status{Reason: cause.Error()})
}

// startKeepalive pings the server on a fixed interval so half-open
// links surface as read errors; the caller holds the lock.
func (t *Transport) startKeepalive() {
	if t.conf.KeepaliveInterval <= 0 {
		return
	}
	t.keepalive = time.NewTicker(t.conf.KeepaliveInterval)
	t.kaDone = make(chan struct{})
	go func(tick *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-tick.C:
				_ = t.Send(api.Heartbeat, nil)
			case <-done:
				return
			}
		}
	}(t.keepalive, t.kaDone)
}

func (t *Transport) stopKeepalive() {
	if t.keepalive != nil {
		t.keepalive.Stop()
		close(t.kaDone)
		t.keepalive = nil
	}
}
