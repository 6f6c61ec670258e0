// Package bot implements the WebSocket client for the remote chat-bot
// command gateway. The gateway pushes operator commands (record, stop,
// status, help) to the daemon and receives acknowledgement replies.
package bot

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kooo/evcam/internal/diaglog"
)

// Message is the single wire envelope for the gateway protocol. Which
// fields are set depends on Type.
type Message struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce,omitempty"`      // hello
	ClientID  string `json:"client_id,omitempty"`  // identify
	Signature string `json:"signature,omitempty"`  // identify
	Command   string `json:"command,omitempty"`    // command
	RequestID string `json:"request_id,omitempty"` // command / ack
	OK        bool   `json:"ok"`                   // ack
	Text      string `json:"text,omitempty"`       // ack
}

// Message types
const (
	TypeHello      = "hello"
	TypeIdentify   = "identify"
	TypeIdentified = "identified"
	TypeCommand    = "command"
	TypeAck        = "ack"
)

// Gateway commands
const (
	CommandRecord = "record"
	CommandStop   = "stop"
	CommandStatus = "status"
	CommandHelp   = "help"
)

const helpText = "commands: record (start segmented recording), stop (stop recording), status (recorder state), help"

// Client represents a connection to the bot command gateway.
type Client struct {
	url          string
	clientID     string
	clientSecret string
	conn         *websocket.Conn
	mu           sync.RWMutex
	writeMu      sync.Mutex
	connected    bool
	identified   bool

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	// Command handlers. record/stop return the reply text sent back to
	// the operator; an error produces a failed ack instead.
	onRecord       func() (string, error)
	onStop         func() (string, error)
	statusFn       func() string
	onDisconnected func()

	// Reconnection
	reconnectEnabled bool
	reconnectDelay   time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once

	// Identification
	identifiedChan chan struct{}
	helloChan      chan *Message
	helloErrChan   chan error
}

// NewClient creates a new gateway client. Connect must be called before
// commands are received.
func NewClient(url, clientID, clientSecret string) *Client {
	return &Client{
		url:              url,
		clientID:         clientID,
		clientSecret:     clientSecret,
		reconnectEnabled: true,
		reconnectDelay:   5 * time.Second,
		stopChan:         make(chan struct{}),
		identifiedChan:   make(chan struct{}),
		helloChan:        make(chan *Message, 1),
		helloErrChan:     make(chan error, 1),
	}
}

// Connect establishes the WebSocket connection and identifies with the
// gateway.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// Reader handles hello, identified, and all subsequent commands.
	go c.readMessages()

	select {
	case hello := <-c.helloChan:
		return c.identify(hello)
	case err := <-c.helloErrChan:
		c.disconnect()
		return err
	case <-time.After(10 * time.Second):
		c.disconnect()
		return fmt.Errorf("timeout waiting for hello message")
	}
}

// identify answers the gateway's hello with the client credentials.
func (c *Client) identify(hello *Message) error {
	// signature = base64(sha256(client_secret + nonce))
	sum := sha256.Sum256([]byte(c.clientSecret + hello.Nonce))
	msg := Message{
		Type:      TypeIdentify,
		ClientID:  c.clientID,
		Signature: base64.StdEncoding.EncodeToString(sum[:]),
	}

	if err := c.writeMessage(&msg); err != nil {
		c.disconnect()
		return err
	}

	select {
	case <-c.identifiedChan:
		c.mu.Lock()
		c.identified = true
		c.mu.Unlock()
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSConnect,
			Payload: map[string]interface{}{"url": c.url, "client_id": c.clientID},
		})
		return nil
	case <-time.After(10 * time.Second):
		c.disconnect()
		return fmt.Errorf("timeout waiting for identified message")
	}
}

// readMessages continuously reads and dispatches gateway messages.
func (c *Client) readMessages() {
	defer func() {
		c.disconnect()
		if c.reconnectEnabled {
			c.reconnect()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if c.onDisconnected != nil {
				c.onDisconnected()
			}
			return
		}

		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSRecv,
			Payload: map[string]interface{}{"type": msg.Type, "command": msg.Command},
		})

		switch msg.Type {
		case TypeHello:
			if msg.Nonce == "" {
				select {
				case c.helloErrChan <- fmt.Errorf("hello without nonce"):
				default:
				}
				return
			}
			hello := msg
			select {
			case c.helloChan <- &hello:
			default:
			}

		case TypeIdentified:
			select {
			case c.identifiedChan <- struct{}{}:
			default:
			}

		case TypeCommand:
			c.handleCommand(&msg)
		}
	}
}

// handleCommand runs the registered handler for an operator command and
// acks the result back to the gateway.
func (c *Client) handleCommand(msg *Message) {
	c.log(diaglog.LogEntry{
		Event:   diaglog.EventBotCommand,
		Payload: map[string]interface{}{"command": msg.Command, "request_id": msg.RequestID},
	})

	var (
		text string
		err  error
	)
	switch msg.Command {
	case CommandRecord:
		if c.onRecord != nil {
			text, err = c.onRecord()
		} else {
			err = fmt.Errorf("record command not supported")
		}
	case CommandStop:
		if c.onStop != nil {
			text, err = c.onStop()
		} else {
			err = fmt.Errorf("stop command not supported")
		}
	case CommandStatus:
		if c.statusFn != nil {
			text = c.statusFn()
		} else {
			text = "status unavailable"
		}
	case CommandHelp:
		text = helpText
	default:
		err = fmt.Errorf("unknown command %q", msg.Command)
	}

	ack := Message{Type: TypeAck, RequestID: msg.RequestID, OK: err == nil, Text: text}
	if err != nil {
		ack.Text = err.Error()
	}
	if werr := c.writeMessage(&ack); werr != nil {
		log.Printf("[EVENT] Failed to ack %s command: %v", msg.Command, werr)
	}
}

// writeMessage serializes writes so command acks and identify frames
// never interleave.
func (c *Client) writeMessage(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSSend,
		Payload: map[string]interface{}{"type": msg.Type, "request_id": msg.RequestID},
	})

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// disconnect closes the WebSocket connection.
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSDisconnect,
			Payload: map[string]interface{}{"url": c.url},
		})
		if err := c.conn.Close(); err != nil {
			log.Printf("Warning: failed to close gateway connection: %v", err)
		}
		c.conn = nil
	}
	c.connected = false
	c.identified = false
}

// reconnect attempts to reconnect with exponential backoff and jitter.
// Reconnection never starts or stops recording on its own; it only
// restores the command channel.
func (c *Client) reconnect() {
	delay := c.reconnectDelay
	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
			attempt++
			c.log(diaglog.LogEntry{
				Event:   diaglog.EventWSReconnectAttempt,
				Payload: map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()},
			})
			log.Printf("[RECONNECT] Attempt %d: retrying gateway connection", attempt)
			if err := c.Connect(); err == nil {
				c.log(diaglog.LogEntry{
					Event:   diaglog.EventWSReconnectSuccess,
					Payload: map[string]interface{}{"attempt": attempt},
				})
				log.Printf("[RECONNECT] Reconnected to gateway on attempt %d", attempt)
				return
			} else {
				c.log(diaglog.LogEntry{
					Event:   diaglog.EventWSReconnectFailed,
					Payload: map[string]interface{}{"attempt": attempt, "error": err.Error()},
				})
				log.Printf("[RECONNECT] Attempt %d failed, backing off...", attempt)
			}

			// Exponential backoff with jitter to avoid thundering herd
			delay = delay * 2
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}

			// Add jitter: ±10% of delay
			jitter := time.Duration((delay.Seconds()*0.2)*(rand.Float64()-0.5)) * time.Second
			delay = delay + jitter

			if delay < time.Second {
				delay = time.Second
			}
		}
	}
}

// Disconnect gracefully closes the connection and stops reconnection.
// Safe to call more than once.
func (c *Client) Disconnect() {
	c.reconnectEnabled = false
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.disconnect()
}

// SetLogger injects a diaglog.Logger. Safe to call any time before or
// after Connect. Passing nil disables structured logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

// log emits a LogEntry when a logger is set.
func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentBotClient
	}
	l.Log(entry)
}

// SetReconnectEnabled enables/disables automatic reconnection.
func (c *Client) SetReconnectEnabled(enabled bool) {
	c.reconnectEnabled = enabled
}

// OnRecordCommand registers the handler for the record command.
func (c *Client) OnRecordCommand(handler func() (string, error)) {
	c.onRecord = handler
}

// OnStopCommand registers the handler for the stop command.
func (c *Client) OnStopCommand(handler func() (string, error)) {
	c.onStop = handler
}

// OnStatusCommand registers the provider for the status command reply.
func (c *Client) OnStatusCommand(provider func() string) {
	c.statusFn = provider
}

// OnDisconnected registers a callback for disconnection events.
func (c *Client) OnDisconnected(handler func()) {
	c.onDisconnected = handler
}

// IsConnected returns current connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.identified
}
