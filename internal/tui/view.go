package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/strandlabs/strand/internal/conversation"
	"github.com/strandlabs/strand/internal/protocol"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	userStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	promptStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	subAgentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("135"))
)

const maxVisibleTurns = 20

func (m model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	turns := m.snap.Turns
	if len(turns) > maxVisibleTurns {
		b.WriteString(dimStyle.Render(fmt.Sprintf("… %d earlier turns", len(turns)-maxVisibleTurns)))
		b.WriteString("\n")
		turns = turns[len(turns)-maxVisibleTurns:]
	}
	for _, turn := range turns {
		b.WriteString(m.renderTurn(turn))
	}

	if len(m.snap.SubAgents) > 0 {
		b.WriteString(m.renderSubAgents())
	}

	if len(m.snap.Permissions) > 0 {
		b.WriteString(m.renderPermissionPrompt())
	} else {
		b.WriteString(m.renderInput())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m model) renderHeader() string {
	conn := errStyle.Render("● offline")
	if m.connected {
		conn = okStyle.Render("● connected")
	}
	watch := ""
	if m.watching {
		watch = dimStyle.Render("  watching")
	}
	return headerStyle.Render("Strand · "+m.cfg.ProjectName) + "  " + conn + watch
}

func (m model) renderTurn(turn *conversation.Turn) string {
	var b strings.Builder

	b.WriteString(userStyle.Render("you> "))
	b.WriteString(turn.UserMessage)
	b.WriteString("\n")

	for _, tc := range turn.ToolCalls {
		b.WriteString("  ")
		b.WriteString(renderToolCall(tc))
		b.WriteString("\n")
	}

	switch turn.Status {
	case conversation.StatusStreaming:
		text := turn.StreamingText
		if text == "" {
			text = dimStyle.Render("waiting for the agent")
		}
		b.WriteString(spinnerFrames[m.spinnerIdx] + " " + text + "\n")
	case conversation.StatusError:
		b.WriteString(errStyle.Render("error: "+turn.AssistantText) + "\n")
	default:
		if turn.AssistantText != "" {
			b.WriteString(turn.AssistantText + "\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

func renderToolCall(tc *conversation.ToolCall) string {
	badge := toolStyle.Render("[" + tc.ToolName + "]")
	detail := protocol.SummarizeInput(tc.RawInput)

	var state string
	switch {
	case tc.IsError:
		state = errStyle.Render("✗")
	case tc.Resolved():
		state = okStyle.Render("✓")
	case tc.Progress != nil:
		state = dimStyle.Render(fmt.Sprintf("%s %.0fs", tc.Progress.Status, float64(tc.Progress.ElapsedMs)/1000))
	default:
		state = dimStyle.Render("…")
	}

	if detail == "" {
		return badge + " " + state
	}
	return badge + " " + dimStyle.Render(detail) + " " + state
}

func (m model) renderSubAgents() string {
	var b strings.Builder
	b.WriteString(subAgentStyle.Render("sub-agents"))
	b.WriteString("\n")
	for _, task := range m.snap.SubAgents {
		state := dimStyle.Render("running")
		if task.Completed {
			state = okStyle.Render("done")
		}
		name := task.Name
		if name == "" {
			name = task.Type
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n", subAgentStyle.Render("◆"), name, state))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) renderPermissionPrompt() string {
	p := m.snap.Permissions[0]
	var b strings.Builder
	b.WriteString(promptStyle.Render("permission required"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", toolStyle.Render(p.ToolName), p.InputSummary))
	if n := len(m.snap.Permissions) - 1; n > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (+%d more pending)", n)))
		b.WriteString("\n")
	}
	b.WriteString(promptStyle.Render("  approve? [y/n]"))
	b.WriteString("\n")
	return b.String()
}

func (m model) renderInput() string {
	prompt := "> "
	if m.snap.StreamingTurn() != nil {
		return dimStyle.Render(prompt + "esc to cancel the running turn")
	}
	line := string(m.input)
	if m.snap.AwaitingResponse {
		return dimStyle.Render(prompt+"awaiting response ") + spinnerFrames[m.spinnerIdx]
	}
	return promptStyle.Render(prompt) + line + "█"
}

func (m model) renderFooter() string {
	parts := []string{
		fmt.Sprintf("turns %d", m.stats.Turns),
		fmt.Sprintf("tools %d", m.stats.ToolCalls),
		fmt.Sprintf("tokens %d/%d", m.stats.Tokens.Input, m.stats.Tokens.Output),
		fmt.Sprintf("files %d", len(m.stats.FilesTouched)),
	}
	if m.stats.Errors > 0 {
		parts = append(parts, errStyle.Render(fmt.Sprintf("errors %d", m.stats.Errors)))
	}
	if m.statusLine != "" {
		parts = append(parts, errStyle.Render(m.statusLine))
	}
	parts = append(parts, dimStyle.Render("ctrl+r refresh · ctrl+c quit"))
	return dimStyle.Render(strings.Join(parts, "  ·  "))
}
