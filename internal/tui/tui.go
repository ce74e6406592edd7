// Package tui renders the live conversation for one project: turns with
// streaming text, tool-call badges, sub-agent activity, pending permission
// prompts, and an aggregate stats footer.
package tui

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/strandlabs/strand/internal/bus"
	"github.com/strandlabs/strand/internal/conversation"
)

// Engine is the slice of the conversation store the viewer drives. The store
// satisfies it directly.
type Engine interface {
	Snapshot() conversation.Snapshot
	Stats() conversation.Stats
	Send(ctx context.Context, text string) (string, error)
	Cancel(ctx context.Context) error
	RespondPermission(ctx context.Context, requestID string, approved bool) error
}

// Config holds the viewer's dependencies.
type Config struct {
	Engine      Engine
	Bus         *bus.Bus
	Logger      *slog.Logger
	ProjectName string

	// Refresh requests a manual reconciliation pass (ctrl+r). Optional.
	Refresh func()
}

type busEventMsg struct {
	event bus.Event
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

type statusTickMsg struct{}

type actionResultMsg struct {
	action string
	err    error
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧"}

type model struct {
	ctx context.Context
	cfg Config

	snap  conversation.Snapshot
	stats conversation.Stats

	connected bool
	watching  bool

	width      int
	height     int
	spinnerIdx int
	statusLine string

	input  []rune
	cursor int

	sub *bus.Subscription
}

func newModel(ctx context.Context, cfg Config) model {
	m := model{
		ctx:   ctx,
		cfg:   cfg,
		snap:  cfg.Engine.Snapshot(),
		stats: cfg.Engine.Stats(),
	}
	if cfg.Bus != nil {
		m.sub = cfg.Bus.Subscribe("") // conversation.* and session.*
	}
	return m
}

// Run drives the viewer until the user quits or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	defer bestEffortResetTTY()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := newModel(ctx, cfg)
	defer func() {
		if cfg.Bus != nil {
			cfg.Bus.Unsubscribe(m.sub)
		}
	}()

	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), statusTickCmd()}
	if m.sub != nil {
		cmds = append(cmds, waitForBusEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func spinnerTickCmd() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

func waitForBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg{event: ev}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case ctxDoneMsg:
		return m, tea.Quit

	case busEventMsg:
		m = m.applyBusEvent(msg.event)
		cmds := []tea.Cmd{waitForBusEvent(m.sub)}
		if m.snap.StreamingTurn() != nil {
			cmds = append(cmds, spinnerTickCmd())
		}
		return m, tea.Batch(cmds...)

	case spinnerTickMsg:
		if m.snap.StreamingTurn() == nil && !m.snap.AwaitingResponse {
			return m, nil
		}
		m.spinnerIdx = (m.spinnerIdx + 1) % len(spinnerFrames)
		return m, spinnerTickCmd()

	case statusTickMsg:
		m.snap = m.cfg.Engine.Snapshot()
		m.stats = m.cfg.Engine.Stats()
		return m, statusTickCmd()

	case actionResultMsg:
		if msg.err != nil {
			m.statusLine = msg.action + ": " + msg.err.Error()
		} else {
			m.statusLine = ""
		}
		m.snap = m.cfg.Engine.Snapshot()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// A pending permission takes over the keyboard: the agent is blocked
	// until the user decides, so nothing else is actionable.
	if len(m.snap.Permissions) > 0 {
		switch msg.String() {
		case "y", "Y":
			return m, m.respondCmd(m.snap.Permissions[0].RequestID, true)
		case "n", "N":
			return m, m.respondCmd(m.snap.Permissions[0].RequestID, false)
		case "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "esc":
		if m.snap.StreamingTurn() != nil {
			return m, m.cancelCmd()
		}
		return m, nil

	case "ctrl+r":
		if m.cfg.Refresh != nil {
			m.cfg.Refresh()
			m.statusLine = "refresh requested"
		}
		return m, nil

	case "enter":
		text := strings.TrimSpace(string(m.input))
		if text == "" {
			return m, nil
		}
		if m.snap.StreamingTurn() != nil {
			m.statusLine = "a turn is still streaming (esc to cancel it)"
			return m, nil
		}
		m.input = nil
		m.cursor = 0
		return m, tea.Batch(m.sendCmd(text), spinnerTickCmd())

	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
		return m, nil

	case "ctrl+w":
		m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
		return m, nil

	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil

	case "left":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case "right":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	}

	if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace {
		runes := msg.Runes
		if msg.Type == tea.KeySpace {
			runes = []rune{' '}
		}
		m.input, m.cursor = insertRunes(m.input, m.cursor, runes)
	}
	return m, nil
}

func (m model) applyBusEvent(ev bus.Event) model {
	switch payload := ev.Payload.(type) {
	case bus.SessionEvent:
		switch ev.Topic {
		case bus.TopicSessionConnected:
			m.connected = true
		case bus.TopicSessionDisconnected:
			m.connected = false
		case bus.TopicSessionWatchChanged:
			m.watching = payload.Watching
		case bus.TopicSessionAuthFailed:
			m.connected = false
			m.statusLine = "authentication failed"
		}
	}
	m.snap = m.cfg.Engine.Snapshot()
	m.stats = m.cfg.Engine.Stats()
	return m
}

func (m model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.cfg.Engine.Send(m.ctx, text)
		return actionResultMsg{action: "send", err: err}
	}
}

func (m model) cancelCmd() tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{action: "cancel", err: m.cfg.Engine.Cancel(m.ctx)}
	}
}

func (m model) respondCmd(requestID string, approved bool) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{
			action: "permission",
			err:    m.cfg.Engine.RespondPermission(m.ctx, requestID, approved),
		}
	}
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, cursor
	}
	out := append(in[:cursor-1], in[cursor:]...)
	return out, cursor - 1
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 {
		return in, cursor
	}
	i := cursor
	for i > 0 && in[i-1] == ' ' {
		i--
	}
	for i > 0 && in[i-1] != ' ' {
		i--
	}
	out := append(in[:i], in[cursor:]...)
	return out, i
}
