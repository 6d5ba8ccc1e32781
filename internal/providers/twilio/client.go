package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	BaseURL string
}

// CallbackConfig carries the webhook URLs handed to the provider with every
// dispatch. The flow URL drives the call (TwiML/Studio), the status and dtmf
// URLs receive progress and keypress events.
type CallbackConfig struct {
	FlowURL   string
	StatusURL string
	DTMFURL   string

	MachineDetection bool
}

type CallRequest struct {
	To        string
	From      string
	Callbacks CallbackConfig
}

type CallResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// DispatchError is a provider-side rejection of a single dial. It is recorded
// against the number and never escalated to a batch-level failure.
type DispatchError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *DispatchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("twilio dispatch failed (code %s): %s", e.Code, e.Message)
	}
	return "twilio dispatch failed: " + e.Message
}

func (c *Client) DispatchCall(ctx context.Context, req CallRequest) (CallResponse, int, []byte, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	if req.Callbacks.FlowURL != "" {
		form.Set("Url", req.Callbacks.FlowURL)
	}
	if req.Callbacks.StatusURL != "" {
		form.Set("StatusCallback", req.Callbacks.StatusURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.Callbacks.DTMFURL != "" {
		form.Set("FallbackUrl", req.Callbacks.DTMFURL)
	}
	if req.Callbacks.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Calls.json"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return CallResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out CallResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		derr := &DispatchError{Message: out.Message, HTTPStatus: resp.StatusCode}
		if out.ErrorCode != nil {
			derr.Code = strconv.Itoa(*out.ErrorCode)
		}
		if derr.Message == "" {
			derr.Message = "twilio call create failed"
		}
		return out, resp.StatusCode, b, derr
	}
	return out, resp.StatusCode, b, nil
}

// Transient returns true for errors worth surfacing as retryable rather than
// recording as a final per-number failure.
func Transient(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}
