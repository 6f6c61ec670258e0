package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GatewayMessage mirrors the bot gateway wire envelope for tests.
type GatewayMessage struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Signature string `json:"signature,omitempty"`
	Command   string `json:"command,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Text      string `json:"text,omitempty"`
}

// MockGateway simulates the bot command gateway for testing. It performs
// the hello/identify handshake and lets tests push commands and observe
// the acks the client sends back.
type MockGateway struct {
	listener net.Listener
	server   *http.Server
	conn     *websocket.Conn
	mu       sync.Mutex

	secret    string
	nonce     string
	connected bool
	lastID    GatewayMessage

	acks chan GatewayMessage
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockGateway creates a mock gateway that expects clients signed with
// the given secret.
func NewMockGateway(secret string) *MockGateway {
	return &MockGateway{
		secret: secret,
		nonce:  "test-nonce",
		acks:   make(chan GatewayMessage, 16),
	}
}

// Start begins listening on a dynamic port.
func (m *MockGateway) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)
	m.server = &http.Server{Handler: mux}

	go func() {
		_ = m.server.Serve(m.listener)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)
	return nil
}

// Stop shuts the gateway down.
func (m *MockGateway) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.server != nil {
		_ = m.server.Close()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.connected = false
	return nil
}

// URL returns the ws:// URL clients should dial.
func (m *MockGateway) URL() string {
	if m.listener == nil {
		return ""
	}
	return "ws://" + m.listener.Addr().String()
}

// Connected reports whether a client is currently connected.
func (m *MockGateway) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastIdentify returns the most recent identify message received.
func (m *MockGateway) LastIdentify() GatewayMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// ExpectedSignature returns the signature a correct client derives from
// the gateway secret and the current nonce.
func (m *MockGateway) ExpectedSignature() string {
	sum := sha256.Sum256([]byte(m.secret + m.nonce))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// PushCommand sends an operator command to the connected client.
func (m *MockGateway) PushCommand(command, requestID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return conn.WriteJSON(GatewayMessage{
		Type:      "command",
		Command:   command,
		RequestID: requestID,
	})
}

// NextAck waits for the next ack from the client.
func (m *MockGateway) NextAck(timeout time.Duration) (GatewayMessage, error) {
	select {
	case ack := <-m.acks:
		return ack, nil
	case <-time.After(timeout):
		return GatewayMessage{}, fmt.Errorf("timeout waiting for ack")
	}
}

// DropClient closes the client connection without stopping the server,
// simulating a network failure.
func (m *MockGateway) DropClient() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connected = false
}

// handleWebSocket runs the hello/identify handshake and then forwards
// client acks to the test.
func (m *MockGateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.connected = false
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(GatewayMessage{Type: "hello", Nonce: m.nonce}); err != nil {
		return
	}

	var identify GatewayMessage
	if err := conn.ReadJSON(&identify); err != nil {
		return
	}
	m.mu.Lock()
	m.lastID = identify
	m.mu.Unlock()

	if err := conn.WriteJSON(GatewayMessage{Type: "identified"}); err != nil {
		return
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	for {
		var msg GatewayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "ack" {
			select {
			case m.acks <- msg:
			default:
			}
		}
	}
}
