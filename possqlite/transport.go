// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mobiletoly/go-possync/possync"
)

// identity returns the signed-request identity of a registered device.
func identity(dc *DeviceContext) *possync.RequestIdentity {
	return &possync.RequestIdentity{
		DeviceID:     dc.DeviceID,
		TerminalCode: dc.TerminalCode,
		Secret:       *dc.DeviceSecret,
	}
}

// doJSON performs one HTTP exchange on behalf of branchID. A nil id sends an unsigned request
// (registration only). Any failure here is a transport failure from the caller's point of view.
func (c *Client) doJSON(ctx context.Context, branchID, method, path string, query url.Values, body []byte, id *possync.RequestIdentity, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx, branchID)
		if err != nil {
			return fmt.Errorf("failed to get session token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if id != nil {
		c.signer.SignRequest(httpReq, *id, body, c.now())
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) sendRegister(ctx context.Context, req *possync.RegisterRequest) (*possync.RegisterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal register request: %w", err)
	}
	var resp possync.RegisterResponse
	if err := c.doJSON(ctx, req.BranchID, http.MethodPost, "/devices/register", nil, body, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendBootstrap(ctx context.Context, dc *DeviceContext) (*possync.BootstrapResponse, error) {
	q := url.Values{"branch_id": {dc.BranchID}}
	var resp possync.BootstrapResponse
	if err := c.doJSON(ctx, dc.BranchID, http.MethodGet, "/sync/bootstrap", q, nil, identity(dc), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendPush(ctx context.Context, dc *DeviceContext, body []byte) (*possync.PushResponse, error) {
	var resp possync.PushResponse
	if err := c.doJSON(ctx, dc.BranchID, http.MethodPost, "/sync/push", nil, body, identity(dc), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendPull(ctx context.Context, dc *DeviceContext, cursors possync.Cursors, limit int) (*possync.PullResponse, error) {
	q := url.Values{}
	q.Set("branch_id", dc.BranchID)
	q.Set("limit", fmt.Sprint(limit))
	for _, s := range possync.Streams {
		q.Set("cursor_"+s, cursors.Get(s))
	}
	var resp possync.PullResponse
	if err := c.doJSON(ctx, dc.BranchID, http.MethodGet, "/sync/pull", q, nil, identity(dc), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
