// Copyright 2024-2026 Aiku AI

// Package smsgateway contains the client for the REST SMS gateway the
// bridge delivers outbound SMS through.
package smsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// sendMessageRequest is the JSON body of a POST /message call.
type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Client talks to a REST SMS gateway. It implements the bridge's
// SMSTransport contract.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      zerolog.Logger
}

// NewClient creates a gateway client. token may be empty for gateways
// without authentication.
func NewClient(endpoint, token string, log zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("component", "sms_gateway").Logger(),
	}
}

// SendSMS posts the message to the gateway. A non-2xx response is an error
// carrying the response body.
func (c *Client) SendSMS(ctx context.Context, receiver, body string) error {
	payload, err := json.Marshal(sendMessageRequest{To: receiver, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode SMS payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/message", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, respBody)
	}

	c.log.Debug().Str("receiver", receiver).Msg("Sent SMS through gateway")
	return nil
}
