package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(server *httptest.Server) *HTTPClient {
	client := NewHTTPClient(server.URL, "secret", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 20 * time.Millisecond
	return client
}

func TestHTTPClientRetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.01}`))
			return
		}
		require.Equal(t, "/channels/10/messages", r.URL.Path)
		require.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"500","channel_id":"10","author":{"id":"42"},"content":"","embeds":[{"title":"t","footer":{"text":"7"}}]}`))
	}))
	defer server.Close()

	msg, err := newTestClient(server).SendMessage(context.Background(), 10, Payload{Embeds: []Embed{{Title: "t", Footer: "7"}}})
	require.NoError(t, err)
	require.Equal(t, MessageID(500), msg.ID)
	require.Equal(t, UserID(42), msg.AuthorID)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	id, ok := MarkerID(msg)
	require.True(t, ok)
	require.Equal(t, uint64(7), id)
}

func TestHTTPClientSendEncodesButtons(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload wirePayload
		require.NoError(t, json.Unmarshal(body, &payload))
		require.Len(t, payload.Components, 1)
		row := payload.Components[0]
		require.Equal(t, componentActionRow, row.Type)
		require.Len(t, row.Components, 2)
		require.Equal(t, "mm1-p", row.Components[0].CustomID)
		require.True(t, row.Components[0].Disabled)
		require.Equal(t, int(ButtonSecondary), row.Components[1].Style)
		require.Equal(t, "2024-03-01T10:00:00Z", payload.Embeds[0].Timestamp)
		_, _ = w.Write([]byte(`{"id":"1","channel_id":"10","author":{"id":"42"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).SendMessage(context.Background(), 10, Payload{
		Embeds: []Embed{{Title: "page", Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}},
		Buttons: []Button{
			{CustomID: "mm1-p", Label: "Previous", Disabled: true},
			{CustomID: "mm1-n", Label: "Next"},
		},
	})
	require.NoError(t, err)
}

func TestHTTPClientNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":10008,"message":"Unknown Message"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchMessage(context.Background(), 10, 99)
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "/channels/10/messages/99", nf.Path)
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":0,"message":"upstream"}`))
	}))
	defer server.Close()

	err := newTestClient(server).DeleteMessage(context.Background(), 10, 1)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	require.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestHTTPClientDoesNotReplayPostAfterServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"500","channel_id":"10","author":{"id":"42"}}`))
	}))
	defer server.Close()
	client := newTestClient(server)

	_, err := client.SendMessage(context.Background(), 10, Payload{Content: "once"})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, 0)
	err = client.RespondInteraction(context.Background(), Interaction{ID: "1", Token: "tok"}, Response{Kind: ResponseAcknowledge})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClientDoesNotReplayPostAfterTransportError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer server.Close()

	_, err := newTestClient(server).SendMessage(context.Background(), 10, Payload{Content: "once"})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClientFetchHistoryQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/channels/10/messages", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		require.Equal(t, "300", r.URL.Query().Get("before"))
		_, _ = w.Write([]byte(`[{"id":"299","channel_id":"10","author":{"id":"1"}},{"id":"250","channel_id":"10","author":{"id":"2"}}]`))
	}))
	defer server.Close()

	msgs, err := newTestClient(server).FetchHistory(context.Background(), 10, 300, 500)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, MessageID(299), msgs[0].ID)
	require.Equal(t, UserID(2), msgs[1].AuthorID)
}

func TestHTTPClientRespondInteraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/interactions/77/tok/callback", r.URL.Path)
		var body wireInteractionResponse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 6, body.Type)
		require.Nil(t, body.Data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := newTestClient(server).RespondInteraction(context.Background(), Interaction{ID: "77", Token: "tok"}, Response{Kind: ResponseAcknowledge})
	require.NoError(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 2*time.Second, parseRetryAfter("2"))
	require.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5"))
	require.Zero(t, parseRetryAfter(""))
	require.Zero(t, parseRetryAfter("soon"))
}

func TestMarkerID(t *testing.T) {
	_, ok := MarkerID(Message{})
	require.False(t, ok)
	_, ok = MarkerID(Message{Embeds: []Embed{{Footer: "Page 1 / 2"}}})
	require.False(t, ok)
	id, ok := MarkerID(Message{Embeds: []Embed{{Footer: " 12 "}}})
	require.True(t, ok)
	require.Equal(t, uint64(12), id)
}

func TestHTTPClientCurrentUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/@me", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"4242","username":"board"}`))
	}))
	defer server.Close()

	id, err := newTestClient(server).CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, UserID(4242), id)
}
