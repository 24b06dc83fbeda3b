package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reelrelay/engine/pkg/errclass"
)

// ProbeError is a structured capability-probe failure, carrying enough of the
// provider response to classify it.
type ProbeError struct {
	Code    string
	Message string
	Status  int
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("capability probe failed: %s (http %d)", e.Message, e.Status)
}

func (e *ProbeError) Signal() errclass.Signal {
	return errclass.Signal{Code: e.Code, Message: e.Message, HTTPStatus: e.Status}
}

// CapabilityProbe performs a lightweight authenticated read call against the
// provider to confirm an account actually works again.
type CapabilityProbe struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewCapabilityProbe(url string, timeout time.Duration) *CapabilityProbe {
	return &CapabilityProbe{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *CapabilityProbe) Check(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// A timed-out probe is a probe failure, not a missing result.
		return &ProbeError{Code: "network_error", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	probeErr := &ProbeError{Status: resp.StatusCode, Message: string(body)}

	// Providers wrap errors as {"error": {"errors": [{"reason": ...}]}}.
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			probeErr.Message = payload.Error.Message
		}
		if len(payload.Error.Errors) > 0 {
			probeErr.Code = payload.Error.Errors[0].Reason
		}
	}
	return probeErr
}
