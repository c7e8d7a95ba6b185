package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// KeepalivePath is the request path used for liveness probes.
const KeepalivePath = "/v1/keepalive"

// DefaultKeepaliveInterval is how often a keepalive probe is sent when the
// config does not say otherwise.
const DefaultKeepaliveInterval = 55 * time.Second

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// URL is the websocket endpoint delivering inbound requests.
	URL string
	// DirectoryURL is the HTTP endpoint listing the account's registered
	// devices, used as the reconnect probe.
	DirectoryURL string
	// KeepaliveInterval bounds both probe spacing and the ack deadline.
	KeepaliveInterval time.Duration
}

// WebSocketTransport implements Transport over one WebSocket connection with
// binary request/response framing and periodic keepalive probes.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	client *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	closing   bool
	status    Status
	keepalive map[string]chan struct{}
	stop      chan struct{}
}

// NewWebSocketTransport builds a transport for the given endpoints.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return &WebSocketTransport{
		cfg:       cfg,
		dialer:    websocket.DefaultDialer,
		client:    &http.Client{Timeout: 30 * time.Second},
		keepalive: make(map[string]chan struct{}),
	}
}

// Connect dials the endpoint and starts the read and keepalive loops.
func (t *WebSocketTransport) Connect(onRequest Handler, onClose func(err error)) error {
	conn, _, err := t.dialer.Dial(t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closing = false
	t.status = StatusConnected
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"url": t.cfg.URL,
	}).Info("websocket open")

	go t.readLoop(conn, onRequest, onClose)
	go t.keepaliveLoop(conn, stop)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, onRequest Handler, onClose func(err error)) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			if closing {
				t.status = StatusClosed
			} else {
				t.status = StatusDisconnected
			}
			if t.stop != nil {
				close(t.stop)
				t.stop = nil
			}
			t.mu.Unlock()

			if closing {
				onClose(nil)
			} else {
				logrus.WithFields(logrus.Fields{
					"error": err,
				}).Warn("websocket closed")
				onClose(err)
			}
			return
		}

		f, err := parseFrame(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
			}).Warn("dropping malformed frame")
			continue
		}

		switch f.kind {
		case frameResponse:
			t.mu.Lock()
			if ch, ok := t.keepalive[f.id]; ok {
				close(ch)
				delete(t.keepalive, f.id)
			}
			t.mu.Unlock()
		case frameRequest:
			req := &Request{
				ID:   f.id,
				Verb: f.verb,
				Path: f.path,
				Body: f.body,
			}
			id := f.id
			req.respond = func(status int, message string) error {
				return t.write(&frame{
					kind:    frameResponse,
					id:      id,
					status:  uint32(status),
					message: message,
				})
			}
			onRequest(req)
		}
	}
}

func (t *WebSocketTransport) keepaliveLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			id := uuid.NewString()
			ack := make(chan struct{})
			t.mu.Lock()
			t.keepalive[id] = ack
			t.mu.Unlock()

			err := t.write(&frame{kind: frameRequest, id: id, verb: "GET", path: KeepalivePath})
			if err != nil {
				return
			}

			select {
			case <-ack:
			case <-stop:
				return
			case <-time.After(t.cfg.KeepaliveInterval):
				logrus.Warn("keepalive ack missed, dropping connection")
				conn.Close()
				return
			}
		}
	}
}

func (t *WebSocketTransport) write(f *frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrClosed
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, f.marshal())
}

// Close shuts the connection down intentionally; the close callback receives
// nil so no reconnect is attempted.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.status = StatusClosed
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "called close"), deadline)
	return conn.Close()
}

// Status reports the current connection state.
func (t *WebSocketTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RegisteredDevices fetches the account's registered devices from the
// directory endpoint.
func (t *WebSocketTransport) RegisteredDevices() ([]uint32, error) {
	resp, err := t.client.Get(t.cfg.DirectoryURL)
	if err != nil {
		return nil, fmt.Errorf("transport: query devices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: query devices: status %d", resp.StatusCode)
	}

	var parsed struct {
		Devices []struct {
			ID uint32 `json:"id"`
		} `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport: decode devices: %w", err)
	}

	ids := make([]uint32, 0, len(parsed.Devices))
	for _, d := range parsed.Devices {
		ids = append(ids, d.ID)
	}
	return ids, nil
}
