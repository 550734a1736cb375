package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/haasonsaas/conductor/pkg/models"
)

// BinaryFilterThreshold is the size above which base64-looking strings are
// replaced during history sanitization.
const BinaryFilterThreshold = 10 * 1024

// binaryMetadataFields are always stripped from tool results regardless of
// size; they carry raw media bytes the model cannot use from history.
var binaryMetadataFields = map[string]bool{
	"images":      true,
	"screenshots": true,
	"pdfImages":   true,
	"screenshot":  true,
	"imageData":   true,
	"audio":       true,
	"video":       true,
}

// leakedTagRe matches tool-call markup the model sometimes leaks into
// string arguments.
var leakedTagRe = regexp.MustCompile(`</?(?:function_calls|invoke|parameter|tool_call|tool_use|thinking|antml:[a-z_]*)(?:\s[^<>]*)?>`)

// SanitizeArguments recursively strips leaked XML/HTML markup from all
// string values of a tool-call argument map. The map is modified in place
// and returned.
func SanitizeArguments(args map[string]any) map[string]any {
	for k, v := range args {
		args[k] = sanitizeArgValue(v)
	}
	return args
}

func sanitizeArgValue(v any) any {
	switch val := v.(type) {
	case string:
		return leakedTagRe.ReplaceAllString(val, "")
	case map[string]any:
		return SanitizeArguments(val)
	case []any:
		for i := range val {
			val[i] = sanitizeArgValue(val[i])
		}
		return val
	default:
		return v
	}
}

// SanitizeBashCommand removes narrative prose and Markdown formatting the
// model sometimes appends after a shell command. Heredoc bodies are
// preserved intact when the first line opens one.
func SanitizeBashCommand(command string) string {
	if command == "" {
		return command
	}
	lines := strings.Split(command, "\n")

	// A heredoc on the first line owns the rest of the command.
	if strings.Contains(lines[0], "<<") {
		return command
	}

	for i, line := range lines {
		if i == 0 {
			// The first line may still carry an inline CJK trailer.
			if cut := cjkBoundary(line); cut >= 0 {
				return strings.TrimSpace(line[:cut])
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "• ") {
			return strings.TrimRight(strings.Join(lines[:i], "\n"), "\n")
		}
		if cut := cjkBoundary(line); cut >= 0 {
			kept := append([]string{}, lines[:i]...)
			if head := strings.TrimSpace(line[:cut]); head != "" {
				kept = append(kept, head)
			}
			return strings.TrimRight(strings.Join(kept, "\n"), "\n")
		}
	}
	return command
}

// cjkBoundary returns the byte offset of the first CJK rune, or -1.
func cjkBoundary(s string) int {
	for i, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return i
		}
	}
	return -1
}

// SanitizeToolResult replaces oversized binary-looking payloads in a tool
// result before it is stored in history. Sanitization is idempotent: the
// replacement markers are small and never re-trigger the filter.
func SanitizeToolResult(result models.ToolResult) models.ToolResult {
	result.Output = filterBinaryString(result.Output)
	if len(result.Metadata) > 0 {
		clean := make(map[string]any, len(result.Metadata))
		for k, v := range result.Metadata {
			if binaryMetadataFields[k] {
				continue
			}
			clean[k] = filterBinaryValue(v)
		}
		result.Metadata = clean
	}
	return result
}

func filterBinaryValue(v any) any {
	switch val := v.(type) {
	case string:
		return filterBinaryString(val)
	case map[string]any:
		clean := make(map[string]any, len(val))
		for k, inner := range val {
			if binaryMetadataFields[k] {
				continue
			}
			clean[k] = filterBinaryValue(inner)
		}
		return clean
	case []any:
		for i := range val {
			val[i] = filterBinaryValue(val[i])
		}
		return val
	default:
		return v
	}
}

func filterBinaryString(s string) string {
	if len(s) <= BinaryFilterThreshold {
		return s
	}
	if !looksLikeBase64(s) {
		return s
	}
	return fmt.Sprintf("[BINARY_DATA_FILTERED: %dKB]", len(s)/1024)
}

// looksLikeBase64 reports whether a string is a data URI or is dominated by
// a contiguous base64 alphabet run.
func looksLikeBase64(s string) bool {
	if strings.HasPrefix(s, "data:") {
		return true
	}
	run := 0
	longest := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '+' || c == '/' || c == '=' {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest >= BinaryFilterThreshold/2
}
