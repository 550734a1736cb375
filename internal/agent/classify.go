package agent

import (
	"strings"
)

// readOnlyTools are the built-in tools whose effect is limited to reading
// external state or producing a value.
var readOnlyTools = map[string]bool{
	"read_file":       true,
	"glob":            true,
	"grep":            true,
	"list_directory":  true,
	"web_fetch":       true,
	"web_search":      true,
	"codebase_search": true,
	"task_status":     true,
}

// writeTools are the built-in tools that modify files.
var writeTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"create_file": true,
}

// IsReadOnlyTool reports whether a tool name denotes a read-only operation.
// Extension tools (mcp_ prefix) are treated as read-only unless their name
// suggests mutation.
func IsReadOnlyTool(name string) bool {
	if readOnlyTools[name] {
		return true
	}
	if strings.HasPrefix(name, "mcp_") {
		lower := strings.ToLower(name)
		return !strings.Contains(lower, "write") && !strings.Contains(lower, "create") &&
			!strings.Contains(lower, "delete") && !strings.Contains(lower, "update")
	}
	return false
}

// IsWriteTool reports whether a tool name denotes a file write.
func IsWriteTool(name string) bool {
	return writeTools[name]
}

// IsParallelSafe reports whether a call may run concurrently with other
// parallel-safe calls. A registered tool's own declaration wins; unknown
// tools fall back to the name convention.
func (r *ToolRegistry) IsParallelSafe(name string) bool {
	if tool, ok := r.Get(name); ok {
		return tool.ParallelSafe()
	}
	return IsReadOnlyTool(name)
}
