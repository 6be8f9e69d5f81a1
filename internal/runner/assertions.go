package runner

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ehrlich-b/termbox/internal/model"
)

// screenContainsPayload is the payload of an Assertion{Type: screen_contains}.
type screenContainsPayload struct {
	Text string `json:"text"`
}

// screenMatchesPayload is the payload of an Assertion{Type:
// screen_matches} or its alias regex_match.
type screenMatchesPayload struct {
	Pattern string `json:"pattern"`
}

// cursorAtPayload is the payload of an Assertion{Type: cursor_at}.
type cursorAtPayload struct {
	Row uint16 `json:"row"`
	Col uint16 `json:"col"`
}

// evaluateAssertion checks one Assertion against obs, returning a
// result whose Message explains a failure and whose Details carries
// the assertion-specific evidence (the matched line, the observed
// cursor position) regardless of outcome, matching the reference
// evaluate() function's (bool, message, details) triple.
func evaluateAssertion(a model.Assertion, obs model.Observation) model.AssertionResult {
	switch a.Type {
	case "screen_contains":
		var p screenContainsPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return failedAssertion(a.Type, "malformed screen_contains payload")
		}
		joined := strings.Join(obs.Screen.Lines, "\n")
		if strings.Contains(joined, p.Text) {
			return passedAssertion(a.Type)
		}
		msg := "screen does not contain expected text"
		return model.AssertionResult{Type: a.Type, Passed: false, Message: &msg, Details: map[string]any{"want": p.Text}}

	case "screen_matches", "regex_match":
		var p screenMatchesPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return failedAssertion(a.Type, "malformed screen_matches payload")
		}
		if len([]rune(p.Pattern)) > 1000 {
			return failedAssertion(a.Type, "regular expression longer than 1000 characters")
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return failedAssertion(a.Type, "invalid regular expression: "+err.Error())
		}
		joined := strings.Join(obs.Screen.Lines, "\n")
		if re.MatchString(joined) {
			return passedAssertion(a.Type)
		}
		msg := "screen does not match expected pattern"
		return model.AssertionResult{Type: a.Type, Passed: false, Message: &msg, Details: map[string]any{"pattern": p.Pattern}}

	case "cursor_at":
		var p cursorAtPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return failedAssertion(a.Type, "malformed cursor_at payload")
		}
		if obs.Screen.Cursor.Row == p.Row && obs.Screen.Cursor.Col == p.Col {
			return passedAssertion(a.Type)
		}
		msg := "cursor is not at expected position"
		return model.AssertionResult{Type: a.Type, Passed: false, Message: &msg, Details: map[string]any{
			"want_row": p.Row, "want_col": p.Col,
			"got_row": obs.Screen.Cursor.Row, "got_col": obs.Screen.Cursor.Col,
		}}

	case "process_exited":
		// Handled by the caller, which has access to session exit
		// status that an Observation alone does not carry; an
		// assertion of this type reaching here means the process had
		// not exited by the time the step's observation was taken.
		msg := "process has not exited"
		return model.AssertionResult{Type: a.Type, Passed: false, Message: &msg}

	default:
		msg := "unknown assertion type"
		return model.AssertionResult{Type: a.Type, Passed: false, Message: &msg}
	}
}

func passedAssertion(t string) model.AssertionResult {
	return model.AssertionResult{Type: t, Passed: true}
}

func failedAssertion(t, msg string) model.AssertionResult {
	return model.AssertionResult{Type: t, Passed: false, Message: &msg}
}
