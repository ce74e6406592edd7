package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/strandlabs/strand/internal/conversation"
	"github.com/strandlabs/strand/internal/protocol"
)

func TestPrintStats(t *testing.T) {
	stats := conversation.Stats{
		Turns:     3,
		ToolCalls: 7,
		Errors:    1,
		Tokens:    conversation.TokenTotals{Input: 120, Output: 450},
		ToolsByCat: map[protocol.Category]int{
			protocol.CategoryShell:    4,
			protocol.CategoryFileEdit: 3,
		},
		FilesTouched:   []string{"/src/main.go"},
		SubAgentSpawns: 2,
	}

	var buf bytes.Buffer
	printStats(&buf, "proj-1", stats)
	out := buf.String()

	for _, want := range []string{
		"project proj-1",
		"turns        3",
		"tokens       120 in / 450 out",
		"shell",
		"/src/main.go",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// Categories print in a stable order.
	if strings.Index(out, "file-edit") > strings.Index(out, "shell") {
		t.Errorf("categories not sorted:\n%s", out)
	}
}
