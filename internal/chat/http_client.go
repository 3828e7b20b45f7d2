package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIBaseURL  = "https://discord.com/api/v10"
	maxHistoryPageSize = 100
)

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   10 * time.Second,
	}
}

// CurrentUser returns the id of the account the token belongs to.
func (c *HTTPClient) CurrentUser(ctx context.Context) (UserID, error) {
	var out wireUser
	if err := c.doJSON(ctx, http.MethodGet, "/users/@me", nil, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *HTTPClient) FetchChannel(ctx context.Context, channelID ChannelID) (Channel, error) {
	var out wireChannel
	if err := c.doJSON(ctx, http.MethodGet, "/channels/"+channelID.String(), nil, &out); err != nil {
		return Channel{}, err
	}
	return Channel{ID: out.ID, Name: out.Name}, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, channelID ChannelID, payload Payload) (Message, error) {
	var out wireMessage
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	if err := c.doJSON(ctx, http.MethodPost, path, toWirePayload(payload), &out); err != nil {
		return Message{}, err
	}
	return out.toMessage(), nil
}

func (c *HTTPClient) EditMessage(ctx context.Context, channelID ChannelID, messageID MessageID, payload Payload) (Message, error) {
	var out wireMessage
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.doJSON(ctx, http.MethodPatch, path, toWirePayload(payload), &out); err != nil {
		return Message{}, err
	}
	return out.toMessage(), nil
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, channelID ChannelID, messageID MessageID) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) FetchMessage(ctx context.Context, channelID ChannelID, messageID MessageID) (Message, error) {
	var out wireMessage
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Message{}, err
	}
	return out.toMessage(), nil
}

func (c *HTTPClient) FetchHistory(ctx context.Context, channelID ChannelID, before MessageID, limit int) ([]Message, error) {
	if limit <= 0 || limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != 0 {
		q.Set("before", before.String())
	}
	var out []wireMessage
	path := fmt.Sprintf("/channels/%s/messages?%s", channelID, q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(out))
	for _, msg := range out {
		messages = append(messages, msg.toMessage())
	}
	return messages, nil
}

func (c *HTTPClient) RespondInteraction(ctx context.Context, interaction Interaction, response Response) error {
	body := wireInteractionResponse{}
	switch response.Kind {
	case ResponseUpdate:
		body.Type = 7
		data := toWirePayload(response.Payload)
		body.Data = &data
	case ResponseAcknowledge:
		body.Type = 6
	case ResponseReply:
		body.Type = 4
		data := toWirePayload(response.Payload)
		data.Flags = 1 << 6
		body.Data = &data
	default:
		return fmt.Errorf("unsupported interaction response kind %d", response.Kind)
	}
	path := fmt.Sprintf("/interactions/%s/%s/callback", url.PathEscape(interaction.ID), url.PathEscape(interaction.Token))
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", "relayboard (https://github.com/agentworkforce/relayboard, 1)")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries && idempotent(method) {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(method, resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusNotFound {
			return &NotFoundError{Path: requestPath}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// idempotent reports whether a request may be replayed after a transport
// error or 5xx. A POST may already have been applied, and replaying it
// would post a second message.
func idempotent(method string) bool {
	return method != http.MethodPost
}

// retryableStatus reports whether a response may be retried. A 429 is never
// applied, so it is retried for every method.
func retryableStatus(method string, status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599 && idempotent(method)
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// parseRetryAfter accepts integer or fractional seconds and HTTP dates.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
