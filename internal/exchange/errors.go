package exchange

import (
	"encoding/json"
	"fmt"
)

// APIError is a non-2xx venue response. The venue reports a machine code and
// message in the body, e.g. {"code":-2019,"msg":"Margin is insufficient."}.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// Permanent reports whether retrying the same request cannot succeed: any
// 4xx except the rate-limit and timestamp responses, which clear on their
// own.
func (e *APIError) Permanent() bool {
	if e.Status < 400 || e.Status >= 500 {
		return false
	}
	switch e.Status {
	case 418, 429: // banned / rate limited
		return false
	}
	// Timestamp outside recvWindow; resolved by clock sync and retry.
	if e.Code == -1021 {
		return false
	}
	return true
}

// newAPIError parses the venue error body, falling back to the raw text.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Msg == "" {
		return &APIError{Status: status, Msg: string(body)}
	}
	return &APIError{Status: status, Code: payload.Code, Msg: payload.Msg}
}
