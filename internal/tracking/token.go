package tracking

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// The upstream store uses two pagination-token encodings. Experiment and
// registered-model searches use a flat offset token. Logged-model search
// pagination is not purely offset-based upstream, so its token also
// carries the original query parameters; re-querying with a decoded token
// must resume exactly where filtering left off.

type offsetPayload struct {
	Offset int64 `json:"offset"`
}

// EncodeOffsetToken produces the flat offset token.
func EncodeOffsetToken(offset int64) string {
	data, _ := json.Marshal(offsetPayload{Offset: offset})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeOffsetToken parses a flat offset token. An empty token decodes to
// offset zero.
func DecodeOffsetToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("tracking: decode page token: %w", err)
	}
	var payload offsetPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("tracking: parse page token: %w", err)
	}
	if payload.Offset < 0 {
		return 0, fmt.Errorf("tracking: page token offset %d out of range", payload.Offset)
	}
	return payload.Offset, nil
}

// LoggedModelToken is the structured token used by logged-model search.
type LoggedModelToken struct {
	Offset        int64                `json:"offset"`
	ExperimentIDs []string             `json:"experiment_ids,omitempty"`
	Filter        string               `json:"filter_string,omitempty"`
	OrderBy       []LoggedModelOrderBy `json:"order_by,omitempty"`
}

// Encode serializes the token.
func (t LoggedModelToken) Encode() string {
	data, _ := json.Marshal(t)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeLoggedModelToken parses a structured logged-model token. An empty
// token decodes to the zero token.
func DecodeLoggedModelToken(token string) (LoggedModelToken, error) {
	var out LoggedModelToken
	if token == "" {
		return out, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return out, fmt.Errorf("tracking: decode logged-model token: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("tracking: parse logged-model token: %w", err)
	}
	if out.Offset < 0 {
		return out, fmt.Errorf("tracking: logged-model token offset %d out of range", out.Offset)
	}
	return out, nil
}
