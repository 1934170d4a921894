package tts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// errorResponse is the error body returned by the remote API. Detail is either a plain
// string or an object carrying a message.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (r errorResponse) message() string {
	if len(r.Detail) == 0 {
		return ""
	}

	var text string
	if json.Unmarshal(r.Detail, &text) == nil {
		return strings.TrimSpace(text)
	}

	var detail errorDetail
	if json.Unmarshal(r.Detail, &detail) == nil {
		return strings.TrimSpace(detail.Message)
	}

	return ""
}

// parseJSON parses JSON data into the target interface.
func parseJSON(data []byte, target any) error {
	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}
