package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
)

// TUI is an interactive, read-only inspector over recent triage results
// and the dead letter queue.
type TUI struct {
	store  *persistence.Store
	logger *zap.Logger
}

var (
	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	styleSubtle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleBox     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("241")).Padding(0, 1)
)

// New creates a TUI bound to the result/DLQ store.
func New(store *persistence.Store, logger *zap.Logger) *TUI {
	return &TUI{store: store, logger: logger}
}

// Run launches the interactive inspector and blocks until the user quits.
func (t *TUI) Run(ctx context.Context) error {
	m := newInspectorModel(ctx, t.store)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type tab int

const (
	tabResults tab = iota
	tabDLQ
)

type resultItem struct {
	result entity.TriageResult
}

func (i resultItem) Title() string {
	return fmt.Sprintf("%s  %s", i.result.RequestUID, i.result.Response.Priority.Value)
}

func (i resultItem) Description() string {
	return fmt.Sprintf("%s | retries=%d | %dms", i.result.Response.Sentiment.Value, i.result.RetriesUsed, i.result.ProcessingDurationMs)
}

func (i resultItem) FilterValue() string { return i.result.RequestUID }

type dlqItem struct {
	entry entity.DLQEntry
}

func (i dlqItem) Title() string {
	return fmt.Sprintf("%s  %s", i.entry.Request.Email.UID, i.entry.FinalErrorKind)
}

func (i dlqItem) Description() string {
	return fmt.Sprintf("attempts=%d | %s", i.entry.RetryMetadata.TotalAttempts, i.entry.Timestamp.Format(time.RFC3339))
}

func (i dlqItem) FilterValue() string { return i.entry.Request.Email.UID }

type dataLoadedMsg struct {
	results []entity.TriageResult
	dlq     []entity.DLQEntry
	err     error
}

type inspectorModel struct {
	ctx     context.Context
	store   *persistence.Store
	active  tab
	results list.Model
	dlq     list.Model
	detail  string
	loading bool
	loadErr error
	width   int
	height  int
}

func newInspectorModel(ctx context.Context, store *persistence.Store) inspectorModel {
	resultsDelegate := list.NewDefaultDelegate()
	resultsList := list.New(nil, resultsDelegate, 80, 20)
	resultsList.Title = "Recent Results"
	resultsList.SetShowHelp(false)

	dlqDelegate := list.NewDefaultDelegate()
	dlqList := list.New(nil, dlqDelegate, 80, 20)
	dlqList.Title = "Dead Letter Queue"
	dlqList.SetShowHelp(false)

	return inspectorModel{
		ctx:     ctx,
		store:   store,
		active:  tabResults,
		results: resultsList,
		dlq:     dlqList,
		loading: true,
		width:   80,
		height:  24,
	}
}

func (m inspectorModel) Init() tea.Cmd {
	return m.load
}

func (m inspectorModel) load() tea.Msg {
	results, err := m.store.GetRecent(m.ctx, 50)
	if err != nil {
		return dataLoadedMsg{err: err}
	}
	dlq, err := m.store.GetDLQ(m.ctx, 50)
	if err != nil {
		return dataLoadedMsg{err: err}
	}
	return dataLoadedMsg{results: results, dlq: dlq}
}

func (m inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listHeight := msg.Height - 8
		m.results.SetSize(msg.Width-4, listHeight)
		m.dlq.SetSize(msg.Width-4, listHeight)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			if m.active == tabResults {
				m.active = tabDLQ
			} else {
				m.active = tabResults
			}
			m.detail = ""
			return m, nil
		case "r":
			m.loading = true
			return m, m.load
		case "enter":
			m.detail = m.renderSelectedDetail()
			return m, nil
		case "esc":
			if m.detail != "" {
				m.detail = ""
				return m, nil
			}
			return m, tea.Quit
		}

	case dataLoadedMsg:
		m.loading = false
		m.loadErr = msg.err
		if msg.err == nil {
			resultItems := make([]list.Item, len(msg.results))
			for i, r := range msg.results {
				resultItems[i] = resultItem{result: r}
			}
			m.results.SetItems(resultItems)

			dlqItems := make([]list.Item, len(msg.dlq))
			for i, e := range msg.dlq {
				dlqItems[i] = dlqItem{entry: e}
			}
			m.dlq.SetItems(dlqItems)
		}
		return m, nil
	}

	if m.active == tabResults {
		m.results, cmd = m.results.Update(msg)
	} else {
		m.dlq, cmd = m.dlq.Update(msg)
	}
	return m, cmd
}

func (m inspectorModel) renderSelectedDetail() string {
	if m.active == tabResults {
		if item, ok := m.results.SelectedItem().(resultItem); ok {
			raw, _ := json.MarshalIndent(item.result, "", "  ")
			return string(raw)
		}
		return ""
	}
	if item, ok := m.dlq.SelectedItem().(dlqItem); ok {
		raw, _ := json.MarshalIndent(item.entry, "", "  ")
		return string(raw)
	}
	return ""
}

func (m inspectorModel) View() string {
	var b strings.Builder

	b.WriteString(styleHeader.Render("Email Triage Inspector") + "\n")

	if m.loading {
		b.WriteString(styleSubtle.Render("loading...") + "\n")
		return b.String()
	}
	if m.loadErr != nil {
		b.WriteString(styleError.Render("error: "+m.loadErr.Error()) + "\n")
		return b.String()
	}

	tabs := fmt.Sprintf("[%s] Results   [%s] DLQ", tabLabel(m.active == tabResults), tabLabel(m.active == tabDLQ))
	b.WriteString(styleSubtle.Render(tabs) + "\n\n")

	if m.detail != "" {
		b.WriteString(styleBox.Width(m.width - 6).Render(m.detail))
		b.WriteString("\n\n" + styleSubtle.Render("[Esc] Back"))
		return b.String()
	}

	if m.active == tabResults {
		b.WriteString(m.results.View())
	} else {
		b.WriteString(m.dlq.View())
	}

	b.WriteString("\n" + styleSubtle.Render("[Tab] Switch  [Enter] Detail  [r] Refresh  [q] Quit"))
	return b.String()
}

func tabLabel(active bool) string {
	if active {
		return styleSuccess.Render("x")
	}
	return " "
}
