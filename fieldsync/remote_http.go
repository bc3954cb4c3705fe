// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mbyo2/vehicle-log-sys-sub001/fleetsrv"
)

const (
	maxRejectionBodyBytes = 64 << 10
	maxErrorBodyBytes     = 4 << 10
)

// HTTPRemote is a RemoteStore backed by the fleet server's trip API.
type HTTPRemote struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPRemote creates a remote for baseURL. token supplies the bearer token per request.
func NewHTTPRemote(baseURL string, token func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

// Insert posts the payload under its local ID. Redelivery of an accepted
// local ID is answered with 200 and Ack.Duplicate set.
func (r *HTTPRemote) Insert(ctx context.Context, localID string, payload json.RawMessage) (Ack, error) {
	body, err := json.Marshal(fleetsrv.CreateTripRequest{LocalID: localID, Payload: payload})
	if err != nil {
		return Ack{}, fmt.Errorf("marshal trip request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/v1/trips", bytes.NewReader(body))
	if err != nil {
		return Ack{}, networkError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(fleetsrv.IdempotencyKeyHeader, localID)
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return Ack{}, networkError(fmt.Errorf("get token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Ack{}, networkError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out fleetsrv.CreateTripResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			// accepted but unreadable; redelivery is harmless
			return Ack{}, networkError(fmt.Errorf("decode trip response: %w", err))
		}
		return Ack{
			LocalID:    out.LocalID,
			ServerID:   out.ServerID,
			Duplicate:  out.Duplicate,
			AcceptedAt: out.ReceivedAt,
		}, nil

	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		var errResp fleetsrv.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRejectionBodyBytes))
		if err := json.Unmarshal(raw, &errResp); err != nil || errResp.Message == "" {
			return Ack{}, &RejectedError{Detail: strings.TrimSpace(string(raw))}
		}
		return Ack{}, &RejectedError{Detail: errResp.Message, Fields: errResp.Fields}

	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Ack{}, networkError(fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
}
