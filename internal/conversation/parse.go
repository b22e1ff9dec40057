package conversation

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ShayCichocki/critic/internal/backend"
)

// DoneMarker is the token the backend is asked to emit when it has no
// further questions.
const DoneMarker = "NO_FURTHER_QUESTIONS"

// ErrNoJSON is returned when a reply carries no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

func signalsDone(reply backend.Reply) bool {
	upper := strings.ToUpper(reply.Text)
	return strings.Contains(upper, DoneMarker) || strings.Contains(upper, "NO FURTHER QUESTIONS")
}

// ParseJSON decodes the first JSON object in text into v. Markdown code
// fences and leading prose are tolerated.
func ParseJSON(text string, v any) error {
	raw := ExtractJSON(text)
	if raw == "" {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}

// ExtractJSON returns the first balanced JSON object in text, or "".
func ExtractJSON(text string) string {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			if obj := balancedObject(rest[:j]); obj != "" {
				return obj
			}
		}
	}
	return balancedObject(text)
}

func balancedObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
