package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nkiryanov/mixcore/internal/models"
)

// Two historical response shapes: {isSucceed, data, errors} and {success, data, errors}
type wireEnvelope struct {
	IsSucceed               *bool           `json:"isSucceed"`
	Success                 *bool           `json:"success"`
	Data                    json.RawMessage `json:"data"`
	Errors                  json.RawMessage `json:"errors"`
	LastUpdateConfiguration json.RawMessage `json:"lastUpdateConfiguration"`
}

// parseEnvelope normalizes 2xx response body
// Body without success flag is a bare payload and counts as success
func parseEnvelope(status int, body []byte) models.Envelope {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return models.Envelope{Success: true, Status: status}
	}

	bare := models.Envelope{Success: true, Data: json.RawMessage(body), Status: status}
	if body[0] != '{' {
		return bare
	}

	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return bare
	}

	var success bool
	switch {
	case w.IsSucceed != nil:
		success = *w.IsSucceed
	case w.Success != nil:
		success = *w.Success
	default:
		return bare
	}

	env := models.Envelope{
		Success:                 success,
		Data:                    w.Data,
		Errors:                  parseErrors(w.Errors),
		LastUpdateConfiguration: parseTimestamp(w.LastUpdateConfiguration),
		Status:                  status,
	}
	return env
}

// Unparsable timestamp is ignored rather than failing the whole response
func parseTimestamp(raw json.RawMessage) *models.Timestamp {
	if len(raw) == 0 {
		return nil
	}
	var ts models.Timestamp
	if err := json.Unmarshal(raw, &ts); err != nil || ts.IsZero() {
		return nil
	}
	return &ts
}

// serverErrors extracts error messages from any non-2xx body if it looks like an envelope
func serverErrors(body []byte) []string {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return nil
	}
	return parseErrors(w.Errors)
}

// Errors come as list of strings, single string or list of {message} objects
func parseErrors(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}

	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err == nil {
		out := make([]string, 0, len(objects))
		for _, o := range objects {
			for _, k := range []string{"message", "description", "errorMessage"} {
				if msg, ok := o[k].(string); ok && msg != "" {
					out = append(out, msg)
					break
				}
			}
		}
		return out
	}

	return []string{string(raw)}
}

// DecodeData unmarshals envelope payload
// Empty payload gives zero value
func DecodeData[T any](env models.Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("error while decoding response data. Err: %w", err)
	}
	return out, nil
}

// decodeStringPayload returns payload as string if it is a JSON string
func decodeStringPayload(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", errors.New("payload is not a string")
	}
	return s, nil
}

// plainToData turns decrypted text into payload: JSON stays as is, other text becomes JSON string
func plainToData(plain string) json.RawMessage {
	if json.Valid([]byte(plain)) {
		return json.RawMessage(plain)
	}
	b, _ := json.Marshal(plain)
	return b
}
