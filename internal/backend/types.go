package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CallID is the backend's identifier for a call record. The backend may
// send it as a JSON number or string; it is echoed back in the same shape.
type CallID string

func (id CallID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *CallID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = CallID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("call_id: %w", err)
	}
	*id = CallID(n.String())
	return nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// CreateCallRequest is the body of POST /api/make-call/.
type CreateCallRequest struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	Duration    int    `json:"duration"`
}

type CreateCallResponse struct {
	CallID CallID `json:"call_id"`
}

// UpdateCallStatusRequest is the body of POST /api/update-call-status/.
type UpdateCallStatusRequest struct {
	CallID   CallID `json:"call_id"`
	Status   string `json:"status"`
	Duration int    `json:"duration"`
}

type UpdateCallStatusResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// HistoryRecord is one item of GET /api/call-history/.
type HistoryRecord struct {
	CallID      CallID    `json:"id,omitempty"`
	PhoneNumber string    `json:"phone_number"`
	ContactName string    `json:"contact_name,omitempty"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	Duration    int       `json:"duration"`
}
