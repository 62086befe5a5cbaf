package main

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// unwrapJSONP strips a callback wrapper such as `jQuery123_456({...})` and
// returns the payload between the first "(" and the last ")". The callback
// name is ignored. A body that already starts with "{" is returned as is.
func unwrapJSONP(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed, nil
	}

	open := bytes.IndexByte(trimmed, '(')
	closing := bytes.LastIndexByte(trimmed, ')')
	if open < 0 || closing < open {
		return nil, fmt.Errorf("not a callback-wrapped payload: %q", truncate(string(trimmed), 80))
	}
	return bytes.TrimSpace(trimmed[open+1 : closing]), nil
}

// decodeJSONP unwraps body and decodes it into a new T.
func decodeJSONP[T any](body []byte) (*T, error) {
	payload, err := unwrapJSONP(body)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("decode callback payload: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
