package main

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// staleCodePattern matches the "held the validation too long" code. The
// portal reports it with success=false, but the booking has been observed to
// go through, so it counts as success. Revisit if the portal changes.
var staleCodePattern = regexp.MustCompile(`代码\s*[:：]\s*302`)

// SubmissionResult is the classified outcome of one submit call.
type SubmissionResult struct {
	Success      bool
	Message      string
	Raw          string
	Reclassified bool
}

func (r SubmissionResult) String() string {
	if r.Reclassified {
		return fmt.Sprintf("success (reclassified from %q)", r.Message)
	}
	if r.Success {
		return "success"
	}
	return fmt.Sprintf("rejected: %s", r.Message)
}

// classifySubmission parses a submit response body.
func classifySubmission(body []byte) (SubmissionResult, error) {
	res := SubmissionResult{Raw: string(body)}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return res, fmt.Errorf("decode submit response: %w", err)
	}

	switch v := fields["success"].(type) {
	case bool:
		res.Success = v
	case string:
		res.Success = v == "true"
	}

	switch v := fields["msg"].(type) {
	case nil:
	case string:
		res.Message = v
	default:
		b, _ := json.Marshal(v)
		res.Message = string(b)
	}

	if !res.Success && (staleCodePattern.MatchString(res.Message) || staleCodePattern.MatchString(res.Raw)) {
		res.Success = true
		res.Reclassified = true
	}
	return res, nil
}
