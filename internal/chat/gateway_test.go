package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestGatewayDeliversDispatches(t *testing.T) {
	identified := make(chan identifyData, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		send := func(op int, eventType string, seq int64, data string) {
			frame := map[string]any{"op": op, "d": json.RawMessage(data)}
			if eventType != "" {
				frame["t"] = eventType
				frame["s"] = seq
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				t.Errorf("write failed: %v", err)
			}
		}

		send(opHello, "", 0, `{"heartbeat_interval":20}`)
		var identify struct {
			Op   int          `json:"op"`
			Data identifyData `json:"d"`
		}
		if err := wsjson.Read(ctx, conn, &identify); err != nil {
			t.Errorf("read identify failed: %v", err)
			return
		}
		identified <- identify.Data

		send(opDispatch, "READY", 1, `{"user":{"id":"42"}}`)
		send(opDispatch, "TYPING_START", 2, `{}`)
		send(opDispatch, "MESSAGE_DELETE", 3, `{"id":"900","channel_id":"10"}`)
		send(opDispatch, "MESSAGE_DELETE_BULK", 4, `{"ids":["901","902"],"channel_id":"10"}`)
		send(opDispatch, "INTERACTION_CREATE", 5, `{"id":"i1","token":"tok","type":3,"channel_id":"10","message":{"id":"903"},"member":{"user":{"id":"5"}},"data":{"custom_id":"status:done:7"}}`)
		send(opReconnect, "", 0, `null`)

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	gw := NewGateway("secret", GatewayOptions{URL: "ws" + strings.TrimPrefix(server.URL, "http")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	err := gw.Run(ctx, func(_ context.Context, ev Event) {
		events = append(events, ev)
	})
	require.ErrorIs(t, err, ErrReconnect)

	id := <-identified
	require.Equal(t, "secret", id.Token)
	require.Equal(t, DefaultIntents, id.Intents)

	require.Len(t, events, 5)
	require.Equal(t, EventReady, events[0].Kind)
	require.Equal(t, UserID(42), events[0].SelfID)
	require.Equal(t, EventMessageDelete, events[1].Kind)
	require.Equal(t, MessageID(900), events[1].MessageID)
	require.Equal(t, ChannelID(10), events[1].ChannelID)
	require.Equal(t, MessageID(901), events[2].MessageID)
	require.Equal(t, MessageID(902), events[3].MessageID)
	require.Equal(t, EventInteraction, events[4].Kind)
	require.Equal(t, "status:done:7", events[4].Interaction.CustomID)
	require.Equal(t, UserID(5), events[4].Interaction.UserID)
	require.Equal(t, MessageID(903), events[4].Interaction.MessageID)
}

func TestGatewayResumesLostSession(t *testing.T) {
	type inbound struct {
		Op   int             `json:"op"`
		Data json.RawMessage `json:"d"`
	}
	var conns int32
	handshakes := make(chan inbound, 3)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		send := func(op int, eventType string, seq int64, data string) {
			frame := map[string]any{"op": op, "d": json.RawMessage(data)}
			if eventType != "" {
				frame["t"] = eventType
				frame["s"] = seq
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				t.Errorf("write failed: %v", err)
			}
		}

		send(opHello, "", 0, `{"heartbeat_interval":60000}`)
		var first inbound
		if err := wsjson.Read(ctx, conn, &first); err != nil {
			t.Errorf("read handshake failed: %v", err)
			return
		}
		handshakes <- first

		switch atomic.AddInt32(&conns, 1) {
		case 1:
			send(opDispatch, "READY", 1, `{"user":{"id":"42"},"session_id":"s1","resume_gateway_url":"ws://`+r.Host+`"}`)
			send(opDispatch, "MESSAGE_DELETE", 2, `{"id":"900","channel_id":"10"}`)
			send(opReconnect, "", 0, `null`)
		case 2:
			send(opDispatch, "RESUMED", 3, `{}`)
			send(opInvalidSession, "", 0, `false`)
		default:
			send(opDispatch, "READY", 1, `{"user":{"id":"42"},"session_id":"s2"}`)
			send(opReconnect, "", 0, `null`)
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	gw := NewGateway("secret", GatewayOptions{URL: "ws" + strings.TrimPrefix(server.URL, "http")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []Event
	collect := func(_ context.Context, ev Event) { events = append(events, ev) }

	require.ErrorIs(t, gw.Run(ctx, collect), ErrReconnect)
	identify := <-handshakes
	require.Equal(t, opIdentify, identify.Op)

	require.ErrorIs(t, gw.Run(ctx, collect), ErrReconnect)
	resume := <-handshakes
	require.Equal(t, opResume, resume.Op)
	var data resumeData
	require.NoError(t, json.Unmarshal(resume.Data, &data))
	require.Equal(t, resumeData{Token: "secret", SessionID: "s1", Seq: 2}, data)

	events = nil
	require.ErrorIs(t, gw.Run(ctx, collect), ErrReconnect)
	reidentify := <-handshakes
	require.Equal(t, opIdentify, reidentify.Op)
	require.Len(t, events, 2)
	require.Equal(t, EventReady, events[0].Kind)
	require.Equal(t, EventResync, events[1].Kind)
}

func TestResumeURLKeepsGatewayQuery(t *testing.T) {
	require.Equal(t, "wss://resume.example/?v=10&encoding=json", resumeURL("wss://resume.example", DefaultGatewayURL))
	require.Equal(t, "wss://resume.example/?v=9", resumeURL("wss://resume.example/?v=9", DefaultGatewayURL))
	require.Empty(t, resumeURL("", DefaultGatewayURL))
}

func TestDecodeDispatchIgnoresCommands(t *testing.T) {
	events, err := decodeDispatch("INTERACTION_CREATE", json.RawMessage(`{"id":"i","type":2,"channel_id":"1"}`))
	require.NoError(t, err)
	require.Empty(t, events)

	_, err = decodeDispatch("MESSAGE_DELETE", json.RawMessage(`{"id":12}`))
	require.Error(t, err)
}
