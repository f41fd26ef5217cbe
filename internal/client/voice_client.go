package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Outcome classifies a call-placement attempt for the retry policy.
type Outcome int

const (
	// OutcomeSuccess means the provider accepted the call.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the attempt may succeed if retried.
	OutcomeTransient
	// OutcomePermanent means retrying cannot help.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	case OutcomePermanent:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

type CallResult struct {
	Outcome Outcome
	// ProviderRef is the provider's call id, set on success.
	ProviderRef string
	// Detail describes the failure for logging and last_error.
	Detail string
}

// CallClient is the telephony capability the dispatcher depends on.
type CallClient interface {
	PlaceCall(ctx context.Context, phoneNumber, message string) (CallResult, error)
}

// VoiceClient places outbound voice calls through a Vapi-style provider API.
type VoiceClient struct {
	baseURL       string
	apiKey        string
	phoneNumberID string
	client        *http.Client
}

func NewVoiceClient(baseURL, apiKey, phoneNumberID string, timeout time.Duration) *VoiceClient {
	return &VoiceClient{
		baseURL:       baseURL,
		apiKey:        apiKey,
		phoneNumberID: phoneNumberID,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type callRequest struct {
	PhoneNumberID string        `json:"phoneNumberId"`
	Customer      callCustomer  `json:"customer"`
	Assistant     callAssistant `json:"assistant"`
}

type callCustomer struct {
	Number string `json:"number"`
}

type callAssistant struct {
	FirstMessage string `json:"firstMessage"`
}

type callResponse struct {
	ID string `json:"id"`
}

// PlaceCall posts a call request and classifies the response. Transport
// errors and timeouts come back as transient results, not Go errors; the
// returned error is reserved for request construction failures.
func (c *VoiceClient) PlaceCall(ctx context.Context, phoneNumber, message string) (CallResult, error) {
	reqBody, err := json.Marshal(callRequest{
		PhoneNumberID: c.phoneNumberID,
		Customer:      callCustomer{Number: phoneNumber},
		Assistant:     callAssistant{FirstMessage: message},
	})
	if err != nil {
		return CallResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(reqBody))
	if err != nil {
		return CallResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return CallResult{
			Outcome: OutcomeTransient,
			Detail:  fmt.Sprintf("request failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var cr callResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			// Accepted but unparseable; the call is in flight, so success.
			return CallResult{Outcome: OutcomeSuccess}, nil
		}
		return CallResult{Outcome: OutcomeSuccess, ProviderRef: cr.ID}, nil

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return CallResult{
			Outcome: OutcomeTransient,
			Detail:  fmt.Sprintf("provider returned %d body=%q", resp.StatusCode, truncate(body, 200)),
		}, nil

	default:
		return CallResult{
			Outcome: OutcomePermanent,
			Detail:  fmt.Sprintf("provider rejected call with %d body=%q", resp.StatusCode, truncate(body, 200)),
		}, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
