package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Client-facing error messages.
const (
	MsgInvalidToken    = "Invalid token. Try to re-login."
	MsgMaintenance     = "Server is under maintenance. Please try again later."
	MsgLowBalance      = "Low balance. Please purchase consumable product or subscribe."
	MsgMonthlyCap      = "Monthly max expense exceeded. Purchase consumable product if necessary."
	MsgAccountMissing  = "User not found. Try to re-login."
	MsgAccountDisabled = "Account has been deleted."
	MsgUnsupportedLLM  = "Unsupported model provider."
	MsgBadRequest      = "Malformed request."
	MsgProviderFailed  = "Generation failed. Please try again."
	MsgBookkeeping     = "Billing failed. Please reconnect."
)

// Frame types sent to the client.
const (
	FrameStream = "stream"
	FrameResult = "result"
	FrameError  = "error"
)

// Request is a generation request sent by the client.
type Request struct {
	Input      Input      `json:"input"`
	Parameters Parameters `json:"parameters"`
}

type Input struct {
	RawText      string `json:"rawtext"`
	Prompt       string `json:"prompt"`
	Subscription bool   `json:"subscription"`
}

type Parameters struct {
	LLM         string      `json:"llm"`
	Temperature Temperature `json:"temperature"`
}

// Temperature accepts either a JSON number or a numeric string.
type Temperature float64

func (t *Temperature) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		*t = Temperature(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*t = Temperature(f)
	return nil
}

// StreamFrame carries one generated unit.
type StreamFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ResultFrame closes a segment. Answer is cumulative over the request;
// Tokens and Cost are for this segment, scaled for billing.
type ResultFrame struct {
	Type   string  `json:"type"`
	Answer string  `json:"answer"`
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
	EOF    bool    `json:"eof"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func streamFrame(data string) StreamFrame { return StreamFrame{Type: FrameStream, Data: data} }

func errorFrame(msg string) ErrorFrame { return ErrorFrame{Type: FrameError, Message: msg} }
