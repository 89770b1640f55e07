// Package rpcsession implements the persistent duplex JSON channel used
// to talk to the upstream blockchain node: a single outbound message is
// {"method","id","params"}, matched against a reply
// {"id","result","error"}, and push notifications arrive as
// {"method","params"} with no id.
package rpcsession

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"
)

// Config describes how to reach the upstream node.
type Config struct {
	Host       string
	User       string
	Pass       string
	CACertPath string // empty means plaintext
	Retry      int    // reconnect attempts, 0 means defaultRetry
}

const defaultRetry = 10

// Request is one outbound JSON-RPC-over-websocket call.
type Request struct {
	Method string        `json:"method"`
	ID     string        `json:"id"`
	Params []interface{} `json:"params,omitempty"`
}

// wireFrame is the superset shape used to decode any inbound message,
// push or response, before it is classified.
type wireFrame struct {
	Method string          `json:"method,omitempty"`
	ID     *string         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Message is a classified inbound frame. Kind is either the push
// notification's method, or — for a plain response with no method —
// the prefix of its id up to the first underscore.
type Message struct {
	Kind   string
	ID     string
	Params json.RawMessage
	Result json.RawMessage
	Error  json.RawMessage
	IsPush bool
}

// Session owns one websocket connection to the upstream node and keeps
// it authenticated and, if it's the notifier session, subscribed.
type Session struct {
	cfg      Config
	notifier bool
	log      btclog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects, authenticates, and — if notifier is true — subscribes
// to new-transaction and new-block push notifications.
func Dial(cfg Config, notifier bool, log btclog.Logger) (*Session, error) {
	s := &Session{cfg: cfg, notifier: notifier, log: log}
	if err := s.setup(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) setup() error {
	conn, err := s.connect()
	if err != nil {
		return err
	}
	s.conn = conn

	if err := s.authenticate(); err != nil {
		return err
	}
	if s.notifier {
		if err := s.subscribe(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) connect() (*websocket.Conn, error) {
	retry := s.cfg.Retry
	if retry <= 0 {
		retry = defaultRetry
	}

	scheme := "ws"
	dialer := *websocket.DefaultDialer
	if s.cfg.CACertPath != "" {
		scheme = "wss"
		pem, err := os.ReadFile(s.cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse ca cert %s", s.cfg.CACertPath)
		}
		dialer.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	url := fmt.Sprintf("%s://%s/ws", scheme, s.cfg.Host)

	var lastErr error
	for attempt := 0; attempt < retry; attempt++ {
		conn, _, err := dialer.Dial(url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		sleep := time.Duration(math.Pow(2, float64(attempt))*float64(time.Second)) +
			time.Duration(rand.Float64()*float64(time.Second))
		s.log.Debugf("connect to %s failed: %v, retrying in %s", url, err, sleep)
		time.Sleep(sleep)
	}
	return nil, fmt.Errorf("could not connect to %s after %d attempts: %w", url, retry, lastErr)
}

// reconnect tears down the current connection and rebuilds it,
// including re-authentication and, for the notifier session,
// re-subscription. It is the session's only recovery path.
func (s *Session) reconnect() error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return s.setup()
}

func (s *Session) authenticate() error {
	req := Request{
		Method: "authenticate",
		ID:     "auth",
		Params: []interface{}{s.cfg.User, s.cfg.Pass},
	}
	return s.roundTripSetup(req, "auth")
}

func (s *Session) subscribe() error {
	if err := s.roundTripSetup(Request{
		Method: "notifynewtransactions",
		ID:     "ntt",
		Params: []interface{}{true},
	}, "ntt"); err != nil {
		return err
	}
	return s.roundTripSetup(Request{Method: "notifyblocks", ID: "nb"}, "nb")
}

// roundTripSetup performs one send/recv pair used only during session
// setup (auth, subscribe), where there is no reconnect-and-resend loop
// to fall back to: a failure here means setup itself failed.
func (s *Session) roundTripSetup(req Request, wantID string) error {
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%s: %w", req.Method, err)
	}
	var resp wireFrame
	if err := s.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%s: %w", req.Method, err)
	}
	gotID := ""
	if resp.ID != nil {
		gotID = *resp.ID
	}
	if gotID != wantID {
		return fmt.Errorf("%s: unexpected id %q (want %q)", req.Method, gotID, wantID)
	}
	return nil
}

// Call issues a synchronous request/response RPC on this session. Only
// one Call may be outstanding on a given Session at a time. On a
// send/recv failure the session reconnects and the in-flight request
// is re-sent, per the reconnect policy.
func (s *Session) Call(method string, params ...interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := method + "_"
	req := Request{Method: method, ID: id, Params: params}

	for {
		if err := s.conn.WriteJSON(req); err != nil {
			s.log.Warnf("call %s: send failed: %v", method, err)
			if rerr := s.reconnect(); rerr != nil {
				return nil, rerr
			}
			continue
		}

		var resp wireFrame
		if err := s.conn.ReadJSON(&resp); err != nil {
			s.log.Warnf("call %s: recv failed: %v", method, err)
			if rerr := s.reconnect(); rerr != nil {
				return nil, rerr
			}
			continue
		}

		gotID := ""
		if resp.ID != nil {
			gotID = *resp.ID
		}
		if gotID != id {
			return nil, fmt.Errorf("call %s: unexpected id %q", method, gotID)
		}
		if len(resp.Error) > 0 && string(resp.Error) != "null" {
			return nil, fmt.Errorf("call %s: rpc error: %s", method, resp.Error)
		}
		return resp.Result, nil
	}
}

// Recv blocks for one inbound frame on this session and classifies it.
// On a connection error the session reconnects in place and Recv
// returns (nil, nil) so the caller can simply loop back into Recv —
// the missed window is not replayed.
func (s *Session) Recv() (*Message, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	var f wireFrame
	if err := conn.ReadJSON(&f); err != nil {
		s.log.Infof("disconnected: %v", err)
		s.mu.Lock()
		rerr := s.reconnect()
		s.mu.Unlock()
		if rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	msg := &Message{Params: f.Params, Result: f.Result, Error: f.Error}
	if f.Method != "" {
		msg.Kind = f.Method
		msg.IsPush = true
		return msg, nil
	}

	id := ""
	if f.ID != nil {
		id = *f.ID
	}
	msg.ID = id
	if idx := strings.IndexByte(id, '_'); idx >= 0 {
		msg.Kind = id[:idx]
	} else {
		msg.Kind = id
	}
	return msg, nil
}

// Close shuts down the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
