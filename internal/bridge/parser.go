package bridge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Marker prefixes framing a task's output on the session. The exact text is
// load-bearing: completion detection looks for these lines.
const (
	startMarkerPrefix = "### TASK_START:"
	endMarkerPrefix   = "### TASK_END:"
)

// StartMarker returns the line framing the beginning of a task's output.
func StartMarker(taskID string) string {
	return startMarkerPrefix + taskID
}

// EndMarker returns the line framing the end of a task's output.
func EndMarker(taskID string) string {
	return endMarkerPrefix + taskID
}

// Parser extracts task output from captured pane text. It strips interactive
// shell prompts and echoed marker commands, and scans for error signatures.
type Parser struct {
	prompt     *regexp.Regexp
	signatures []signature
}

type signature struct {
	pattern  string
	compiled *regexp.Regexp
}

// NewParser compiles the prompt regex and the error signature regexes.
// Signatures are matched case-insensitively and anchored at a word or line
// boundary, so "fatal:" hits "fatal: not a git repository" but not
// "nonfatal:".
func NewParser(promptPattern string, signaturePatterns []string) (*Parser, error) {
	prompt, err := regexp.Compile(promptPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt regex %q: %w", promptPattern, err)
	}

	signatures := make([]signature, 0, len(signaturePatterns))
	for _, pattern := range signaturePatterns {
		compiled, err := regexp.Compile(`(?im)(?:^|\b)(?:` + pattern + `)`)
		if err != nil {
			return nil, fmt.Errorf("invalid error signature %q: %w", pattern, err)
		}
		signatures = append(signatures, signature{pattern: pattern, compiled: compiled})
	}

	return &Parser{prompt: prompt, signatures: signatures}, nil
}

// ErrorSignature returns the first signature pattern matching the text, or
// the empty string when none match.
func (p *Parser) ErrorSignature(text string) string {
	for _, sig := range p.signatures {
		if sig.compiled.MatchString(text) {
			return sig.pattern
		}
	}
	return ""
}

// HasMarkerLine reports whether the pane contains a line whose sole
// non-whitespace content is the marker token. Anchoring on the full line
// keeps commands that merely mention a marker from triggering completion.
func (p *Parser) HasMarkerLine(pane, marker string) bool {
	for _, line := range strings.Split(pane, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return false
}

// Parse turns a captured pane into the canonical task result. The output is
// the region strictly between the task's marker lines; when the markers are
// absent (timeout, error before the frame completed) the whole pane serves
// as context.
func (p *Parser) Parse(pane, taskID string, success bool) *v1.TaskResult {
	lines := extractFrame(strings.Split(pane, "\n"), StartMarker(taskID), EndMarker(taskID))
	lines = p.stripNoise(lines, taskID)
	lines = trimBlankEdges(lines)

	raw := strings.Join(lines, "\n")
	result := &v1.TaskResult{
		RawOutput: raw,
		Lines:     lines,
		Success:   success,
		HasErrors: p.ErrorSignature(raw) != "",
	}
	if data := trailingJSONObject(raw); data != nil {
		result.StructuredData = data
	}
	return result
}

// extractFrame returns the lines strictly between the last start marker line
// and the first end marker line after it. In-place retries re-frame with the
// same task id, so the last frame is the authoritative one.
func extractFrame(lines []string, startMarker, endMarker string) []string {
	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == startMarker {
			start = i
			break
		}
	}
	if start == -1 {
		return lines
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == endMarker {
			end = i
			break
		}
	}
	return lines[start+1 : end]
}

// stripNoise drops prompt lines and echoed marker commands.
func (p *Parser) stripNoise(lines []string, taskID string) []string {
	startMarker := StartMarker(taskID)
	endMarker := EndMarker(taskID)

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if p.prompt.MatchString(line) {
			continue
		}
		if strings.Contains(line, startMarker) || strings.Contains(line, endMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func trimBlankEdges(lines []string) []string {
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end]
}

// trailingJSONObject parses the last top-level JSON object substring of the
// output, if one exists. Agents that emit a structured summary line get it
// surfaced as structured data.
func trailingJSONObject(s string) map[string]interface{} {
	end := strings.LastIndexByte(s, '}')
	if end == -1 {
		return nil
	}
	for start := strings.LastIndexByte(s[:end], '{'); start >= 0; start = strings.LastIndexByte(s[:start], '{') {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
			return obj
		}
	}
	return nil
}

// placeholderPattern matches {name} parameter references in command strings.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// RenderCommand substitutes {name} placeholders from params. Unknown
// placeholders are left intact and reported through warn.
func RenderCommand(command string, params map[string]string, warn func(name string)) string {
	return placeholderPattern.ReplaceAllStringFunc(command, func(m string) string {
		name := m[1 : len(m)-1]
		if value, ok := params[name]; ok {
			return value
		}
		if warn != nil {
			warn(name)
		}
		return m
	})
}
