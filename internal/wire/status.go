package wire

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// Status is the generic result block the gateway attaches to failed
// replies and to error-kind envelopes.
type Status struct {
	Result    *bool  `json:"result"`
	ErrorMsg  string `json:"errormsg"`
	ErrorCode int    `json:"errorcode"`
	Detail    string `json:"detail"`
}

// Failure reports whether the envelope carries a business error: every
// error-kind envelope, and replies whose payload is an object with
// result=false.
func (e Envelope) Failure() (Status, bool) {
	var status Status
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) > 0 && payload[0] == '{' {
		_ = json.Unmarshal(payload, &status)
	}
	if e.Kind == KindError {
		return status, true
	}
	if e.Kind != KindReply || status.Result == nil {
		return status, false
	}
	return status, !*status.Result
}

// Message returns the most specific human-readable text in the status.
func (s Status) Message() string {
	switch {
	case s.ErrorMsg != "" && s.Detail != "":
		return s.ErrorMsg + ": " + s.Detail
	case s.ErrorMsg != "":
		return s.ErrorMsg
	case s.Detail != "":
		return s.Detail
	default:
		return "request rejected"
	}
}
