package protocol

import (
	"encoding/json"
	"strings"
)

// Category groups tool names for display badges and aggregation.
type Category string

const (
	CategoryFileRead Category = "file-read"
	CategoryFileEdit Category = "file-edit"
	CategoryShell    Category = "shell"
	CategorySearch   Category = "search"
	CategorySubAgent Category = "subagent"
	CategoryNetwork  Category = "network"
	CategoryOther    Category = "other"
)

// toolCategories is the static classification table. Unknown names fall
// through to CategoryOther; MCP-prefixed tools are treated as network calls.
var toolCategories = map[string]Category{
	"Read":         CategoryFileRead,
	"NotebookRead": CategoryFileRead,
	"Write":        CategoryFileEdit,
	"Edit":         CategoryFileEdit,
	"MultiEdit":    CategoryFileEdit,
	"NotebookEdit": CategoryFileEdit,
	"Bash":         CategoryShell,
	"BashOutput":   CategoryShell,
	"KillShell":    CategoryShell,
	"Grep":         CategorySearch,
	"Glob":         CategorySearch,
	"Task":         CategorySubAgent,
	"Agent":        CategorySubAgent,
	"WebFetch":     CategoryNetwork,
	"WebSearch":    CategoryNetwork,
}

// ClassifyTool maps a tool name to its category.
func ClassifyTool(name string) Category {
	if cat, ok := toolCategories[name]; ok {
		return cat
	}
	if strings.HasPrefix(name, "mcp__") {
		return CategoryNetwork
	}
	return CategoryOther
}

// toolPathKeys are the input fields file-category tools carry their target
// path under.
var toolPathKeys = []string{"file_path", "path", "notebook_path"}

// ExtractFilePath pulls the target file path from a file-category tool input.
// Returns "" when the input carries none.
func ExtractFilePath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, key := range toolPathKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var path string
		if err := json.Unmarshal(raw, &path); err == nil && path != "" {
			return path
		}
	}
	return ""
}

// SummarizeInput renders a short single-line description of a tool input for
// permission prompts and tool badges.
func SummarizeInput(input json.RawMessage) string {
	if path := ExtractFilePath(input); path != "" {
		return path
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"command", "pattern", "query", "url", "description", "prompt"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err == nil && v != "" {
			if len(v) > 120 {
				v = v[:117] + "..."
			}
			return v
		}
	}
	return ""
}
