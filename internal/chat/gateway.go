package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// guilds | guild messages
	DefaultIntents = 1<<0 | 1<<9

	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11

	gatewayReadLimit = 1 << 22
)

var ErrReconnect = errors.New("gateway requested reconnect")

type EventKind int

const (
	EventReady EventKind = iota + 1
	EventMessageDelete
	EventInteraction
	// EventResync follows a fresh identify that replaced a lost session.
	// Dispatches sent while disconnected are gone, so handles must be
	// checked against the channel.
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventMessageDelete:
		return "message_delete"
	case EventInteraction:
		return "interaction"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind        EventKind
	SelfID      UserID
	ChannelID   ChannelID
	MessageID   MessageID
	Interaction Interaction
}

type GatewayOptions struct {
	URL     string
	Intents int
	Logger  *slog.Logger
	// MinBackoff and MaxBackoff bound the reconnect delay used by Serve.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Gateway struct {
	url        string
	token      string
	intents    int
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	session   gatewaySession
	connected bool
}

// gatewaySession is what a reconnect needs to resume instead of identifying.
type gatewaySession struct {
	id        string
	resumeURL string
	seq       int64
	hasSeq    bool
}

func NewGateway(token string, opts GatewayOptions) *Gateway {
	gwURL := strings.TrimSpace(opts.URL)
	if gwURL == "" {
		gwURL = DefaultGatewayURL
	}
	intents := opts.Intents
	if intents == 0 {
		intents = DefaultIntents
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	return &Gateway{
		url:        gwURL,
		token:      strings.TrimSpace(token),
		intents:    intents,
		logger:     logger.With(slog.String("component", "gateway")),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

type gatewayFrame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

type outboundFrame struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

// Serve runs sessions until ctx is cancelled, reconnecting with exponential
// backoff after each session ends.
func (g *Gateway) Serve(ctx context.Context, handle func(context.Context, Event)) error {
	delay := g.minBackoff
	for {
		err := g.Run(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrReconnect) {
			delay = g.minBackoff
		}
		g.logger.Warn("gateway session ended", slog.Any("error", err), slog.Duration("retry_in", delay))
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > g.maxBackoff {
			delay = g.maxBackoff
		}
	}
}

// Run holds one gateway session: it resumes the previous session when there
// is one and identifies otherwise, keeps the heartbeat going and hands every
// recognised dispatch to handle, in arrival order.
func (g *Gateway) Run(ctx context.Context, handle func(context.Context, Event)) error {
	g.mu.Lock()
	prev := g.session
	resync := g.connected && prev.id == ""
	g.mu.Unlock()

	dialURL := g.url
	if prev.id != "" && prev.resumeURL != "" {
		dialURL = prev.resumeURL
	}
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		if prev.id != "" {
			// the next attempt identifies on the configured URL
			g.mu.Lock()
			g.session = gatewaySession{}
			g.mu.Unlock()
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(gatewayReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello gatewayFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	if prev.id != "" {
		g.logger.Info("resuming gateway session", slog.String("session_id", prev.id), slog.Int64("seq", prev.seq))
		if err := wsjson.Write(ctx, conn, outboundFrame{Op: opResume, Data: resumeData{
			Token:     g.token,
			SessionID: prev.id,
			Seq:       prev.seq,
		}}); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	} else {
		g.mu.Lock()
		g.session = gatewaySession{}
		g.mu.Unlock()
		if err := wsjson.Write(ctx, conn, outboundFrame{Op: opIdentify, Data: identifyData{
			Token:   g.token,
			Intents: g.intents,
			Properties: map[string]string{
				"os":      "linux",
				"browser": "relayboard",
				"device":  "relayboard",
			},
		}}); err != nil {
			return fmt.Errorf("identify: %w", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastSeq := func() any {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.session.hasSeq {
			return nil
		}
		return g.session.seq
	}
	beat := func() error {
		return wsjson.Write(sessionCtx, conn, outboundFrame{Op: opHeartbeat, Data: lastSeq()})
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				if err := beat(); err != nil {
					g.logger.Warn("heartbeat failed", slog.Any("error", err))
					cancel()
					return
				}
			}
		}
	}()

	for {
		var frame gatewayFrame
		if err := wsjson.Read(sessionCtx, conn, &frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if frame.Seq != nil {
			g.mu.Lock()
			g.session.seq = *frame.Seq
			g.session.hasSeq = true
			g.mu.Unlock()
		}
		switch frame.Op {
		case opDispatch:
			switch frame.Type {
			case "READY":
				g.startSession(frame.Data)
			case "RESUMED":
				g.logger.Info("gateway session resumed")
			}
			events, err := decodeDispatch(frame.Type, frame.Data)
			if err != nil {
				g.logger.Warn("dropping malformed dispatch", slog.String("type", frame.Type), slog.Any("error", err))
				continue
			}
			for _, ev := range events {
				handle(sessionCtx, ev)
			}
			if frame.Type == "READY" && resync {
				resync = false
				handle(sessionCtx, Event{Kind: EventResync})
			}
		case opHeartbeat:
			if err := beat(); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case opHeartbeatACK:
		case opReconnect:
			return ErrReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(frame.Data, &resumable)
			if !resumable {
				g.mu.Lock()
				g.session = gatewaySession{}
				g.mu.Unlock()
			}
			return ErrReconnect
		}
	}
}

func (g *Gateway) startSession(data json.RawMessage) {
	var ready struct {
		SessionID string `json:"session_id"`
		ResumeURL string `json:"resume_gateway_url"`
	}
	if err := json.Unmarshal(data, &ready); err != nil || ready.SessionID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session.id = ready.SessionID
	g.session.resumeURL = resumeURL(ready.ResumeURL, g.url)
	g.connected = true
}

// resumeURL carries the query of the configured gateway URL over to the
// resume URL, which is announced without one.
func resumeURL(announced, configured string) string {
	announced = strings.TrimSpace(announced)
	if announced == "" {
		return ""
	}
	if strings.Contains(announced, "?") {
		return announced
	}
	if i := strings.Index(configured, "?"); i >= 0 {
		return strings.TrimRight(announced, "/") + "/" + configured[i:]
	}
	return announced
}

func decodeDispatch(eventType string, data json.RawMessage) ([]Event, error) {
	switch eventType {
	case "READY":
		var ready struct {
			User wireUser `json:"user"`
		}
		if err := json.Unmarshal(data, &ready); err != nil {
			return nil, err
		}
		return []Event{{Kind: EventReady, SelfID: ready.User.ID}}, nil
	case "MESSAGE_DELETE":
		var del struct {
			ID        MessageID `json:"id,string"`
			ChannelID ChannelID `json:"channel_id,string"`
		}
		if err := json.Unmarshal(data, &del); err != nil {
			return nil, err
		}
		return []Event{{Kind: EventMessageDelete, ChannelID: del.ChannelID, MessageID: del.ID}}, nil
	case "MESSAGE_DELETE_BULK":
		var del struct {
			IDs       []string  `json:"ids"`
			ChannelID ChannelID `json:"channel_id,string"`
		}
		if err := json.Unmarshal(data, &del); err != nil {
			return nil, err
		}
		events := make([]Event, 0, len(del.IDs))
		for _, raw := range del.IDs {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, err
			}
			events = append(events, Event{Kind: EventMessageDelete, ChannelID: del.ChannelID, MessageID: MessageID(id)})
		}
		return events, nil
	case "INTERACTION_CREATE":
		var in struct {
			ID        string    `json:"id"`
			Token     string    `json:"token"`
			Type      int       `json:"type"`
			ChannelID ChannelID `json:"channel_id,string"`
			Message   *struct {
				ID MessageID `json:"id,string"`
			} `json:"message"`
			Member *struct {
				User wireUser `json:"user"`
			} `json:"member"`
			User *wireUser `json:"user"`
			Data struct {
				CustomID string `json:"custom_id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, err
		}
		// only message components
		if in.Type != 3 {
			return nil, nil
		}
		interaction := Interaction{
			ID:        in.ID,
			Token:     in.Token,
			ChannelID: in.ChannelID,
			CustomID:  in.Data.CustomID,
		}
		if in.Message != nil {
			interaction.MessageID = in.Message.ID
		}
		switch {
		case in.Member != nil:
			interaction.UserID = in.Member.User.ID
		case in.User != nil:
			interaction.UserID = in.User.ID
		}
		return []Event{{Kind: EventInteraction, ChannelID: in.ChannelID, MessageID: interaction.MessageID, Interaction: interaction}}, nil
	default:
		return nil, nil
	}
}
