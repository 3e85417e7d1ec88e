// Package signal implements a channel that speaks JSON-RPC 2.0 over a
// WebSocket to a signal-cli daemon (signal-cli -a <account> jsonRpc --websocket).
// signal-cli handles the Signal protocol itself; this channel only
// exchanges JSON-RPC envelopes with it, the same "thin websocket-RPC
// bridge" shape as the WhatsApp channel's bridge process.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

const pairingDebounceTime = 60 * time.Second

// Channel connects to a signal-cli JSON-RPC daemon over a WebSocket.
type Channel struct {
	*channels.BaseChannel
	config          config.SignalConfig
	mu              sync.Mutex
	conn            *websocket.Conn
	ctx             context.Context
	cancel          context.CancelFunc
	nextID          atomic.Int64
	pairingService  store.PairingStore
	pairingDebounce sync.Map // senderID → time.Time
}

// New creates a new Signal channel from config.
func New(cfg config.SignalConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("signal rpc_url is required")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("signal account_id is required")
	}

	base := channels.NewBaseChannel("signal", msgBus, cfg.AllowFrom)

	return &Channel{
		BaseChannel:    base,
		config:         cfg,
		pairingService: pairingSvc,
	}, nil
}

// Start dials the signal-cli daemon and begins the receive loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting signal channel", "rpc_url", c.config.RPCURL, "account", c.config.AccountID)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("initial signal daemon connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the WebSocket connection to the signal-cli daemon.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping signal channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
	c.SetRunning(false)

	return nil
}

// Send delivers an outbound message via the daemon's "send" RPC method.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("signal daemon not connected")
	}

	return c.call(ctx, conn, "send", map[string]interface{}{
		"account":   c.config.AccountID,
		"recipient": []string{msg.ChatID},
		"message":   msg.Content,
	})
}

// connect dials the signal-cli daemon's WebSocket endpoint. No compression
// is negotiated, matching the bridge-dial pattern of the other websocket
// channel adapters.
func (c *Channel) connect() error {
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.config.RPCURL, &websocket.DialOptions{
		HTTPHeader: http.Header{},
	})
	if err != nil {
		return fmt.Errorf("dial signal daemon %s: %w", c.config.RPCURL, err)
	}
	conn.SetReadLimit(4 << 20) // 4MB, signal attachments can be large

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("signal daemon connected", "url", c.config.RPCURL)
	return nil
}

// call sends a JSON-RPC 2.0 request. The daemon's response (if any) is
// consumed by the receive loop like any other frame; fire-and-forget sends
// don't block waiting for a matching id.
func (c *Channel) call(ctx context.Context, conn *websocket.Conn, method string, params interface{}) error {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      c.nextID.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal signal rpc request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("signal rpc %s: %w", method, err)
	}
	return nil
}

// listenLoop reads JSON-RPC frames from the daemon with automatic
// reconnection, matching the whatsapp channel's reconnect-with-backoff shape.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting signal daemon reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("signal daemon reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("signal read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close(websocket.StatusAbnormalClosure, "read error")
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		c.handleFrame(data)
	}
}

// rpcNotification is a JSON-RPC 2.0 notification from signal-cli: an
// incoming "receive" push carrying a message envelope.
type rpcNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type receiveParams struct {
	Envelope envelope `json:"envelope"`
}

type envelope struct {
	Source      string       `json:"source"`
	SourceName  string       `json:"sourceName,omitempty"`
	Timestamp   int64        `json:"timestamp"`
	DataMessage *dataMessage `json:"dataMessage,omitempty"`
}

type dataMessage struct {
	Message     string       `json:"message"`
	GroupInfo   *groupInfo   `json:"groupInfo,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
}

type attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
}

func (c *Channel) handleFrame(data []byte) {
	var notif rpcNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		slog.Debug("invalid signal rpc frame", "error", err)
		return
	}
	if notif.Method != "receive" {
		return
	}

	var params receiveParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		slog.Debug("invalid signal receive params", "error", err)
		return
	}

	c.handleEnvelope(params.Envelope)
}

func (c *Channel) handleEnvelope(env envelope) {
	if env.DataMessage == nil {
		return // delivery receipt, typing indicator, etc. — not a message
	}

	senderID := env.Source
	if senderID == "" {
		return
	}

	chatID := senderID
	peerKind := "direct"
	if env.DataMessage.GroupInfo != nil && env.DataMessage.GroupInfo.GroupID != "" {
		chatID = env.DataMessage.GroupInfo.GroupID
		peerKind = "group"
	}

	if peerKind == "direct" {
		if !c.checkDMPolicy(senderID, chatID) {
			return
		}
	} else if !c.CheckPolicy("group", "", c.config.GroupPolicy, senderID) {
		slog.Debug("signal group message rejected by policy", "sender_id", senderID)
		return
	}

	if !c.IsAllowed(senderID) {
		slog.Debug("signal message rejected by allowlist", "sender_id", senderID)
		return
	}

	content := env.DataMessage.Message
	if content == "" && len(env.DataMessage.Attachments) > 0 {
		content = "[attachment]"
	}
	if content == "" {
		return
	}

	var media []string
	for _, att := range env.DataMessage.Attachments {
		if att.ID != "" {
			media = append(media, att.ID)
		}
	}

	metadata := map[string]string{
		"timestamp": fmt.Sprintf("%d", env.Timestamp),
	}
	if env.SourceName != "" {
		metadata["user_name"] = env.SourceName
	}

	slog.Debug("signal message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(senderID, chatID, content, media, metadata, peerKind)
}

func (c *Channel) checkDMPolicy(senderID, chatID string) bool {
	dmPolicy := c.config.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}

	switch dmPolicy {
	case "disabled":
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(senderID) {
			return false
		}
		return true
	default: // "pairing"
		paired := false
		if c.pairingService != nil {
			paired = c.pairingService.IsPaired(senderID, c.Name())
		}
		inAllowList := c.HasAllowList() && c.IsAllowed(senderID)

		if paired || inAllowList {
			return true
		}

		c.sendPairingReply(senderID, chatID)
		return false
	}
}

func (c *Channel) sendPairingReply(senderID, chatID string) {
	if c.pairingService == nil {
		return
	}

	if lastSent, ok := c.pairingDebounce.Load(senderID); ok {
		if time.Since(lastSent.(time.Time)) < pairingDebounceTime {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(senderID, c.Name(), chatID, "default")
	if err != nil {
		slog.Debug("signal pairing request failed", "sender_id", senderID, "error", err)
		return
	}

	replyText := fmt.Sprintf(
		"GoClaw: access not configured.\n\nYour Signal ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  goclaw pairing approve %s",
		senderID, code, code,
	)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		slog.Warn("signal daemon not connected, cannot send pairing reply")
		return
	}

	if err := c.call(context.Background(), conn, "send", map[string]interface{}{
		"account":   c.config.AccountID,
		"recipient": []string{chatID},
		"message":   replyText,
	}); err != nil {
		slog.Warn("failed to send signal pairing reply", "error", err)
		return
	}
	c.pairingDebounce.Store(senderID, time.Now())
	slog.Info("signal pairing reply sent", "sender_id", senderID, "code", code)
}
