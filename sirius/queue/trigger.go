package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TriggerRequest is a manual ingestion request received on TriggerQueue.
// An empty message body is a valid request with no metadata.
type TriggerRequest struct {
	RequestedBy string `json:"requestedBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ParseTrigger decodes a TriggerQueue message.
func ParseTrigger(msg string) (TriggerRequest, error) {
	var req TriggerRequest
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		return req, fmt.Errorf("invalid trigger message: %w", err)
	}
	return req, nil
}
