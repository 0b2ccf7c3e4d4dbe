// Package api talks to the relay's REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"supportcall/native/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type initiateRequest struct {
	StaffID string `json:"staffId"`
}

type initiateResponse struct {
	Success   bool   `json:"success"`
	CallID    string `json:"callId"`
	Message   string `json:"message"`
	StaffBusy bool   `json:"staffBusy"`
}

// Client requests call ids from the relay API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates an API client rooted at baseURL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// InitiateCall asks the relay to open a call to staffID. A busy target is
// reported as *domain.TargetBusyError, any other refusal as
// *domain.InitiationError.
func (c *Client) InitiateCall(ctx context.Context, token, staffID string) (*domain.InitiateResult, error) {
	body, err := json.Marshal(initiateRequest{StaffID: staffID})
	if err != nil {
		return nil, fmt.Errorf("marshal initiate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls/initiate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Request-ID", requestID)

	log := c.log.With().Str("request_id", requestID).Str("staff_id", staffID).Logger()
	log.Debug().Msg("initiating call")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.InitiationError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.InitiationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var out initiateResponse
	decodeErr := json.Unmarshal(respBody, &out)

	// Busy may come with a non-2xx status, so it is checked first.
	if decodeErr == nil && out.StaffBusy {
		log.Info().Msg("staff busy")
		return nil, &domain.TargetBusyError{StaffID: staffID}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Message
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return nil, &domain.InitiationError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, &domain.InitiationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", decodeErr)}
	}
	if !out.Success || out.CallID == "" {
		msg := out.Message
		if msg == "" {
			msg = "call initiation refused"
		}
		return nil, &domain.InitiationError{StatusCode: resp.StatusCode, Message: msg}
	}

	log.Info().Str("call_id", out.CallID).Msg("call initiated")
	return &domain.InitiateResult{CallID: out.CallID}, nil
}
