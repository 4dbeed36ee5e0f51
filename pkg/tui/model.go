package tui

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

// FileChangedMsg is sent when the file watcher detects changes.
type FileChangedMsg struct{}

// RunEventMsg carries one event of the run started from the TUI.
type RunEventMsg struct {
	Event  workflow.Event
	events <-chan workflow.Event
}

// Option configures a Model.
type Option func(*Model)

// WithPipeline enables running stages from the TUI.
func WithPipeline(p *workflow.Pipeline) Option {
	return func(m *Model) { m.pipeline = p }
}

// Model is the Bubble Tea model for the project browser.
type Model struct {
	store        *store.Store
	pipeline     *workflow.Pipeline
	keys         KeyMap
	width        int
	height       int
	items        []ListItem
	visibleItems []ListItem
	cursor       int
	focusedPane  int // 0 = list, 1 = details
	detailScroll int

	// Modal state
	showHelpModal     bool
	showDeleteConfirm bool
	deleteTarget      string
	deleteName        string

	// Input mode (for creating projects)
	isInputMode bool
	textInput   textinput.Model

	// Search state
	isSearching bool
	searchQuery string

	// Status message
	statusMsg     string
	statusTimeout time.Time

	// Cached glamour renderer (expensive to create)
	glamourRenderer *glamour.TermRenderer
	glamourWidth    int

	// Stage started with the Run key
	run       *workflow.Run
	lastEvent workflow.Event
}

// NewModel creates a new TUI model.
func NewModel(s *store.Store, opts ...Option) Model {
	ti := textinput.New()
	ti.Placeholder = "project name"
	ti.CharLimit = 64

	m := Model{
		store:     s,
		keys:      DefaultKeyMap(),
		textInput: ti,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.WindowSize()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		rightWidth := msg.Width - (msg.Width / 3) - 1 - 2
		if rightWidth < 20 {
			rightWidth = 20
		}
		m.getGlamourRenderer(rightWidth)
		m.reload()
		return m, tea.ClearScreen

	case FileChangedMsg:
		m.reload()
		return m, nil

	case RunEventMsg:
		m.lastEvent = msg.Event
		if !msg.Event.Done {
			return m, waitForEvent(msg.events)
		}
		if msg.Event.Err != "" {
			m.setStatus("Failed: " + msg.Event.Err)
		} else if msg.Event.Result != nil {
			m.setStatus(msg.Event.Result.Message)
		}
		m.run = nil
		m.reload()
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}

	if m.isInputMode {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Input mode handling
	if m.isInputMode {
		switch msg.Type {
		case tea.KeyEsc:
			m.isInputMode = false
			return m, nil
		case tea.KeyEnter:
			name := strings.TrimSpace(m.textInput.Value())
			if name != "" {
				p, err := m.store.Create(name, "", "")
				if err != nil {
					m.setStatus("Error: " + err.Error())
				} else {
					m.setStatus("Created: " + p.ID)
					m.reload()
					m.moveCursorTo(p.ID)
				}
			}
			m.isInputMode = false
			return m, nil
		default:
			var cmd tea.Cmd
			m.textInput, cmd = m.textInput.Update(msg)
			return m, cmd
		}
	}

	if m.isSearching {
		return m.handleSearchInput(msg)
	}

	// Help modal
	if m.showHelpModal {
		switch msg.String() {
		case "esc", "enter", "?", "q":
			m.showHelpModal = false
		}
		return m, nil
	}

	// Delete confirmation
	if m.showDeleteConfirm {
		switch msg.String() {
		case "y", "Y":
			if _, err := m.store.Delete(m.deleteTarget); err != nil {
				m.setStatus("Delete failed: " + err.Error())
			} else {
				m.setStatus("Deleted: " + m.deleteName)
				m.reload()
			}
			m.showDeleteConfirm = false
		case "n", "N", "esc":
			m.showDeleteConfirm = false
		}
		return m, nil
	}

	// An active filter is cleared by Esc or Enter.
	if m.searchQuery != "" && (msg.Type == tea.KeyEsc || msg.Type == tea.KeyEnter) {
		cur, _ := m.selected()
		m.searchQuery = ""
		m.rebuildVisible()
		m.moveCursorTo(cur.ID)
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.run != nil {
			m.run.Cancel()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.focusedPane == 1 {
			if m.detailScroll > 0 {
				m.detailScroll--
			}
		} else if m.cursor > 0 {
			m.cursor--
			m.detailScroll = 0
		}

	case key.Matches(msg, m.keys.Down):
		if m.focusedPane == 1 {
			m.detailScroll++
		} else if m.cursor < len(m.visibleItems)-1 {
			m.cursor++
			m.detailScroll = 0
		}

	case key.Matches(msg, m.keys.Tab):
		m.focusedPane = (m.focusedPane + 1) % 2

	case key.Matches(msg, m.keys.Add):
		m.isInputMode = true
		m.textInput.Reset()
		m.textInput.Focus()
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Delete):
		if item, ok := m.selected(); ok {
			m.deleteTarget = item.ID
			m.deleteName = item.Name
			m.showDeleteConfirm = true
		}

	case key.Matches(msg, m.keys.Run):
		return m.startNext()

	case key.Matches(msg, m.keys.Cancel):
		if m.run != nil {
			m.run.Cancel()
			m.setStatus("Cancelling " + string(m.run.Op))
		}

	case key.Matches(msg, m.keys.Reload):
		m.reload()
		m.setStatus("Reloaded")

	case key.Matches(msg, m.keys.Search):
		m.isSearching = true
		m.searchQuery = ""

	case key.Matches(msg, m.keys.Help):
		m.showHelpModal = !m.showHelpModal
	}

	return m, nil
}

// handleSearchInput handles key messages while typing in the search bar.
func (m Model) handleSearchInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.isSearching = false
		m.searchQuery = ""
		m.rebuildVisible()
		return m, nil

	case tea.KeyEnter, tea.KeyDown, tea.KeyTab:
		// keep the filter
		m.isSearching = false
		return m, nil

	case tea.KeyBackspace:
		if len(m.searchQuery) > 0 {
			_, size := utf8.DecodeLastRuneInString(m.searchQuery)
			m.searchQuery = m.searchQuery[:len(m.searchQuery)-size]
		}
		m.rebuildVisible()
		return m, nil

	default:
		if msg.Type == tea.KeyRunes {
			m.searchQuery += string(msg.Runes)
			m.rebuildVisible()
		}
		return m, nil
	}
}

// startNext runs the stage that follows the selected project's current one.
func (m Model) startNext() (tea.Model, tea.Cmd) {
	item, ok := m.selected()
	if !ok {
		return m, nil
	}
	if m.pipeline == nil {
		m.setStatus("Pipeline not configured")
		return m, nil
	}
	if m.run != nil {
		m.setStatus(string(m.run.Op) + " is still running")
		return m, nil
	}
	op, ok := NextOp(item.Stage)
	if !ok {
		m.setStatus("Nothing to run at stage " + item.Stage.String())
		return m, nil
	}
	run, err := m.pipeline.Start(context.Background(), op, workflow.Request{ProjectID: item.ID})
	if err != nil {
		m.setStatus("Error: " + err.Error())
		return m, nil
	}
	m.run = run
	m.lastEvent = workflow.Event{}
	m.setStatus("Started " + string(op))
	return m, waitForEvent(run.Events())
}

func waitForEvent(events <-chan workflow.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return nil
		}
		return RunEventMsg{Event: e, events: events}
	}
}

func (m Model) selected() (ListItem, bool) {
	if m.cursor < 0 || m.cursor >= len(m.visibleItems) {
		return ListItem{}, false
	}
	return m.visibleItems[m.cursor], true
}

func (m *Model) moveCursorTo(id string) {
	for i, item := range m.visibleItems {
		if item.ID == id {
			m.cursor = i
			return
		}
	}
}

func (m *Model) reload() {
	projects, err := m.store.List()
	if err != nil {
		m.setStatus("Load error: " + err.Error())
		return
	}
	cur, _ := m.selected()
	m.items = BuildItems(projects)
	m.rebuildVisible()
	if cur.ID != "" {
		m.moveCursorTo(cur.ID)
	}
}

func (m *Model) rebuildVisible() {
	m.visibleItems = FilterItems(m.items, m.searchQuery)

	if m.cursor >= len(m.visibleItems) {
		m.cursor = len(m.visibleItems) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// getGlamourRenderer returns a cached glamour renderer, creating one if needed
// or if the width changed.
func (m *Model) getGlamourRenderer(width int) *glamour.TermRenderer {
	if m.glamourRenderer != nil && m.glamourWidth == width {
		return m.glamourRenderer
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	m.glamourRenderer = r
	m.glamourWidth = width
	return r
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTimeout = time.Now().Add(3 * time.Second)
}
