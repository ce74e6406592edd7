package conversation

import (
	"sort"

	"github.com/strandlabs/strand/internal/protocol"
)

// Stats is the aggregation view over a turn list. It is derived on demand
// and never stored; every computation starts from the turns alone.
type Stats struct {
	Turns          int                       `json:"turns"`
	ToolCalls      int                       `json:"tool_calls"`
	Errors         int                       `json:"errors"` // error-status turns plus failed tool calls
	Tokens         TokenTotals               `json:"tokens"`
	ToolsByCat     map[protocol.Category]int `json:"tools_by_category"`
	FilesTouched   []string                  `json:"files_touched"` // distinct, sorted
	SubAgentSpawns int                       `json:"sub_agent_spawns"`
}

// ComputeStats folds a turn list into aggregate totals. File paths are
// extracted from tool inputs and deduplicated; tool calls whose input names
// no file do not contribute.
func ComputeStats(turns []*Turn) Stats {
	st := Stats{
		Turns:      len(turns),
		ToolsByCat: make(map[protocol.Category]int),
	}
	files := make(map[string]struct{})

	for _, t := range turns {
		st.Tokens.Input += t.Tokens.Input
		st.Tokens.Output += t.Tokens.Output
		if t.Status == StatusError {
			st.Errors++
		}
		for _, tc := range t.ToolCalls {
			st.ToolCalls++
			st.ToolsByCat[tc.Category]++
			if tc.IsError {
				st.Errors++
			}
			if tc.Category == protocol.CategorySubAgent {
				st.SubAgentSpawns++
			}
			if path := protocol.ExtractFilePath(tc.RawInput); path != "" {
				files[path] = struct{}{}
			}
		}
	}

	st.FilesTouched = make([]string, 0, len(files))
	for f := range files {
		st.FilesTouched = append(st.FilesTouched, f)
	}
	sort.Strings(st.FilesTouched)
	return st
}
