// Package httpgw is the HTTP reference implementation of the gateway
// transport. It targets the dev mock gateway and any real gateway exposing
// the same connect/send/heartbeat surface; the engine only ever sees the
// gateway.Transport interface.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatdispatch/internal/gateway"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

type connectResponse struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (c *Client) Connect(ctx context.Context, creds gateway.Credentials) (gateway.Conn, error) {
	body, _ := json.Marshal(map[string]string{
		"tenantId":  creds.TenantID,
		"channelId": creds.ChannelID,
		"sessionId": creds.SessionID,
		"token":     creds.Token,
	})
	raw, status, err := c.post(ctx, "/v1/connect", body)
	if err != nil {
		return nil, err
	}
	var out connectResponse
	_ = json.Unmarshal(raw, &out)

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &gateway.LogoutError{Reason: out.Error}
	}
	if status < 200 || status >= 300 {
		if out.Error != "" {
			return nil, errors.New(out.Error)
		}
		return nil, errors.New("gateway connect failed")
	}
	if out.ConnectionID == "" {
		return nil, errors.New("gateway connect returned no connection id")
	}
	return &conn{client: c, id: out.ConnectionID}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	baseURL := strings.TrimRight(c.BaseURL, "/")
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return b, resp.StatusCode, nil
}

type conn struct {
	client *Client
	id     string

	mu       sync.Mutex
	onLogout func(reason string)
	closed   bool
}

func (n *conn) SendMessage(ctx context.Context, req gateway.SendRequest) (gateway.Ack, error) {
	body, _ := json.Marshal(map[string]string{
		"connectionId": n.id,
		"recipient":    req.Recipient,
		"body":         req.Body,
		"mediaUrl":     req.MediaURL,
		"externalKey":  req.ExternalKey,
	})
	raw, status, err := n.client.post(ctx, "/v1/messages", body)
	if err != nil {
		return gateway.Ack{}, err
	}
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		n.fireLogout(out.Message)
		return gateway.Ack{}, &gateway.LogoutError{Reason: out.Message}
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return gateway.Ack{}, &gateway.PermanentError{Code: out.ErrorCode, Msg: out.Message}
	case status < 200 || status >= 300:
		if out.Message != "" {
			return gateway.Ack{}, errors.New(out.Message)
		}
		return gateway.Ack{}, errors.New("gateway send failed")
	}
	return gateway.Ack{GatewayMsgID: out.MessageID, AcceptedAt: time.Now()}, nil
}

func (n *conn) Heartbeat(ctx context.Context) error {
	raw, status, err := n.client.post(ctx, "/v1/heartbeat", []byte(`{"connectionId":"`+n.id+`"}`))
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		var out sendResponse
		_ = json.Unmarshal(raw, &out)
		n.fireLogout(out.Message)
		return &gateway.LogoutError{Reason: out.Message}
	}
	if status < 200 || status >= 300 {
		return errors.New("gateway heartbeat failed")
	}
	return nil
}

func (n *conn) SubscribeLogout(fn func(reason string)) {
	n.mu.Lock()
	n.onLogout = fn
	n.mu.Unlock()
}

func (n *conn) fireLogout(reason string) {
	n.mu.Lock()
	fn := n.onLogout
	n.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (n *conn) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := n.client.post(ctx, "/v1/disconnect", []byte(`{"connectionId":"`+n.id+`"}`))
	return err
}
