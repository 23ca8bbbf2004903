// Package api is the client side of the ERP persistence service. Every
// endpoint returns the {success, message, data} envelope; a response with
// success=false is surfaced as an error carrying the server's message.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mahaj/erp-messenger/pkg/model"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken installs the bearer token used on authenticated endpoints.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s", method, path, env.Message)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decoding data: %w", method, path, err)
		}
	}
	return nil
}

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Login exchanges a user profile for a session token and installs it on
// the client.
func (c *Client) Login(ctx context.Context, user model.User) (string, error) {
	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/login", user, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

func (c *Client) History(ctx context.Context, peerID string, page, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("peer_id", peerID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out []model.Message
	if err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type sendRequest struct {
	RecipientID   string `json:"recipient_id"`
	Content       string `json:"content"`
	DocumentID    string `json:"document_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (c *Client) Send(ctx context.Context, recipientID, content, documentID, correlationID string) (model.Message, error) {
	req := sendRequest{
		RecipientID:   recipientID,
		Content:       content,
		DocumentID:    documentID,
		CorrelationID: correlationID,
	}
	var out model.Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return model.Message{}, err
	}
	return out, nil
}

type markReadRequest struct {
	PeerID string `json:"peer_id"`
}

func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodPatch, "/conversations/read", markReadRequest{PeerID: peerID}, nil)
}

func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/users/online", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID, peerID string) error {
	q := url.Values{}
	q.Set("peer_id", peerID)
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"?"+q.Encode(), nil, nil)
}

func (c *Client) AvailableUsers(ctx context.Context, search string) ([]model.User, error) {
	q := url.Values{}
	q.Set("search", search)

	var out []model.User
	if err := c.do(ctx, http.MethodGet, "/users?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
