package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

const minWidth = 40
const minHeight = 10

// View implements tea.Model.
func (m Model) View() string {
	w := m.width
	h := m.height
	if w < minWidth {
		w = minWidth
	}
	if h < minHeight {
		h = minHeight
	}

	if m.showHelpModal {
		return placeOverlay(m.renderHelpModal(), w, h)
	}
	if m.showDeleteConfirm {
		return placeOverlay(m.renderDeleteModal(), w, h)
	}

	var b strings.Builder

	b.WriteString(m.renderHeader(w))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("─", w))
	b.WriteString("\n")

	headerLines := 2
	footerLines := 2

	searchActive := m.isSearching || m.searchQuery != ""
	if searchActive {
		headerLines++
		b.WriteString(m.renderSearchBar(w))
		b.WriteString("\n")
	}
	contentHeight := h - headerLines - footerLines

	leftWidth := w / 3
	rightWidth := w - leftWidth - 1
	if leftWidth < 20 {
		leftWidth = 20
	}
	if rightWidth < 20 {
		rightWidth = 20
	}

	leftPanel := m.renderListPanel(leftWidth, contentHeight)
	rightPanel := m.renderDetailPanel(rightWidth, contentHeight)

	sepColor := ColorGrayDim
	if m.focusedPane == 1 {
		sepColor = ColorPurple
	}
	sep := lipgloss.NewStyle().Foreground(sepColor).Render("│")
	for i := 0; i < contentHeight; i++ {
		b.WriteString(getLine(leftPanel, i, leftWidth))
		b.WriteString(sep)
		b.WriteString(getLine(rightPanel, i, rightWidth))
		b.WriteString("\n")
	}

	b.WriteString(strings.Repeat("─", w))
	b.WriteString("\n")
	b.WriteString(m.renderFooter(w))

	return b.String()
}

func (m Model) renderHeader(width int) string {
	title := HeaderStyle.Render("PyPottery Lens")

	exported := 0
	for _, item := range m.items {
		if item.Stage == workflow.StageExported {
			exported++
		}
	}
	stats := HeaderCountStyle.Render(fmt.Sprintf("%d projects, %d exported", len(m.items), exported))

	status := ""
	if m.run != nil {
		status = "  " + RunningStyle.Render(IconRunning+" "+runLine(m.run.Op, m.lastEvent))
	} else if m.statusMsg != "" && time.Now().Before(m.statusTimeout) {
		status = "  " + lipgloss.NewStyle().Foreground(ColorCyan).Render(m.statusMsg)
	}

	gap := width - lipgloss.Width(title) - lipgloss.Width(stats) - lipgloss.Width(status)
	if gap < 1 {
		gap = 1
	}
	return title + strings.Repeat(" ", gap) + status + stats
}

func runLine(op workflow.Op, e workflow.Event) string {
	line := string(op)
	if e.Total > 0 {
		line += fmt.Sprintf(" %d/%d", e.Current, e.Total)
	}
	if e.Message != "" {
		line += " " + e.Message
	}
	return line
}

func (m Model) renderSearchBar(width int) string {
	prompt := InputPromptStyle.Render("/ ")
	query := SearchBarStyle.Render(m.searchQuery)
	cursor := ""
	if m.isSearching {
		cursor = "█"
	}
	count := SearchCountStyle.Render(fmt.Sprintf("  %d/%d", len(m.visibleItems), len(m.items)))
	return prompt + query + cursor + count
}

func (m Model) renderListPanel(width, height int) string {
	var lines []string

	// last line holds the projects root
	listHeight := height - 1
	if listHeight < 1 {
		listHeight = 1
	}

	if len(m.visibleItems) == 0 && !m.isInputMode {
		lines = append(lines, FooterStyle.Render("No projects yet. Press 'a' to add one."))
	}

	startIdx := 0
	endIdx := len(m.visibleItems)
	if len(m.visibleItems) > listHeight {
		startIdx = m.cursor - listHeight/2
		if startIdx < 0 {
			startIdx = 0
		}
		endIdx = startIdx + listHeight
		if endIdx > len(m.visibleItems) {
			endIdx = len(m.visibleItems)
			startIdx = endIdx - listHeight
		}
	}

	for i := startIdx; i < endIdx; i++ {
		lines = append(lines, m.renderListItem(m.visibleItems[i], i == m.cursor, width))
	}

	if m.isInputMode {
		lines = append(lines, InputPromptStyle.Render("> ")+m.textInput.View())
	}

	for len(lines) < listHeight {
		lines = append(lines, "")
	}
	lines = append(lines, lipgloss.NewStyle().Foreground(ColorGrayDim).Render(fileHyperlink(m.store.Root)))

	return strings.Join(lines, "\n")
}

func (m Model) renderListItem(item ListItem, isSelected bool, width int) string {
	icon := stageIcon(item.Stage)
	if m.run != nil && m.run.ProjectID == item.ID {
		icon = RunningStyle.Render(IconRunning)
	}

	name := item.Name
	if m.searchQuery != "" {
		if isSelected {
			name = highlightMatch(name, m.searchQuery, SearchCharSelectedStyle, SelectedStyle)
		} else {
			name = highlightMatch(name, m.searchQuery, SearchCharStyle, NormalStyle)
		}
	}

	line := " " + icon + " " + name
	lineWidth := lipgloss.Width(line)
	if lineWidth < width {
		line += strings.Repeat(" ", width-lineWidth)
	}
	if isSelected {
		line = SelectedStyle.Render(line)
	}
	return line
}

func (m Model) renderDetailPanel(width, height int) string {
	item, ok := m.selected()
	if !ok {
		return FooterStyle.Render(" Select a project to view details")
	}
	p := item.Project

	bodyHeight := height - 1
	if bodyHeight < 1 {
		bodyHeight = 1
	}

	md := projectMarkdown(p, item.Stage)
	rendered := md
	if m.glamourRenderer != nil {
		if out, err := m.glamourRenderer.Render(md); err == nil {
			rendered = out
		}
	}
	rendered = strings.TrimRight(rendered, "\n ")
	lines := strings.Split(rendered, "\n")

	scroll := m.detailScroll
	if scroll > len(lines)-1 {
		scroll = len(lines) - 1
	}
	if scroll < 0 {
		scroll = 0
	}
	lines = lines[scroll:]
	if len(lines) > bodyHeight {
		lines = lines[:bodyHeight]
	}
	for len(lines) < bodyHeight {
		lines = append(lines, "")
	}

	dir, _ := m.store.Path(p.ID, "")
	lines = append(lines, lipgloss.NewStyle().Foreground(ColorGrayDim).Render(fileHyperlink(dir)))
	return strings.Join(lines, "\n")
}

// projectMarkdown renders the description and workflow ledger of p.
func projectMarkdown(p *store.Project, stage workflow.Stage) string {
	var md strings.Builder
	w := p.WorkflowStatus

	md.WriteString("# " + displayName(p) + "\n\n")
	meta := []string{"**Stage:** " + stage.String()}
	if !p.CreatedAt.IsZero() {
		meta = append(meta, "**Created:** "+p.CreatedAt.Format("2006-01-02 15:04"))
	}
	if !p.LastModified.IsZero() {
		meta = append(meta, "**Modified:** "+p.LastModified.Format("2006-01-02 15:04"))
	}
	md.WriteString(strings.Join(meta, " | ") + "\n\n")

	if p.Description != "" {
		md.WriteString(p.Description)
		if !strings.HasSuffix(p.Description, "\n") {
			md.WriteString("\n")
		}
		md.WriteString("\n")
	}

	md.WriteString("| Stage | Status |\n|---|---|\n")
	fmt.Fprintf(&md, "| PDFs | %d (%s) |\n", w.PDFCount, yesNo(w.PDFProcessed))
	fmt.Fprintf(&md, "| Images | %d |\n", w.ImagesExtracted)
	fmt.Fprintf(&md, "| Masks | %d (%s) |\n", w.MasksExtracted, yesNo(w.ModelApplied))
	fmt.Fprintf(&md, "| Reviewed | %d / %d |\n", w.AnnotationsCompleted, w.TotalImages)
	fmt.Fprintf(&md, "| Cards | %d |\n", w.CardsExtracted)
	fmt.Fprintf(&md, "| Classified | %d |\n", w.CardsClassified)
	fmt.Fprintf(&md, "| Merged | %s |\n", yesNo(w.AnnotationsMerged))
	fmt.Fprintf(&md, "| Exports | %d |\n\n", w.ExportsCreated)

	s := p.Settings
	md.WriteString("## Settings\n\n")
	model := "default"
	if s.ModelFile != nil && *s.ModelFile != "" {
		model = *s.ModelFile
	}
	fmt.Fprintf(&md, "- **Model:** %s\n- **Confidence:** %.2f\n", model, s.ConfidenceThreshold)
	if len(s.ExcludedImages) > 0 {
		fmt.Fprintf(&md, "- **Excluded:** %s\n", strings.Join(s.ExcludedImages, ", "))
	}
	if op, ok := NextOp(stage); ok {
		fmt.Fprintf(&md, "\nNext: `%s` (press n)\n", op)
	}
	return md.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (m Model) renderFooter(width int) string {
	help := m.keys.ShortHelp()
	if m.isInputMode {
		help = "enter create  esc cancel"
	} else if m.isSearching {
		help = "type to search  enter/↓ keep filter  esc clear"
	} else if m.searchQuery != "" {
		help = "esc/enter clear filter  ↑↓ nav"
	} else if m.focusedPane == 1 {
		help = "↑↓ scroll details  tab list  ? help"
	}
	return FooterStyle.Render(help)
}

func (m Model) renderHelpModal() string {
	var b strings.Builder

	b.WriteString(ModalTitleStyle.Render("Keyboard Shortcuts"))
	b.WriteString("\n\n")

	keyStyle := lipgloss.NewStyle().Foreground(ColorBlue).Width(16)
	descStyle := lipgloss.NewStyle().Foreground(ColorWhite)

	for _, binding := range m.keys.FullHelp() {
		b.WriteString(keyStyle.Render(binding[0]))
		b.WriteString(descStyle.Render(binding[1]))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("Press Esc or ? to close"))

	return ModalStyle.Render(b.String())
}

func (m Model) renderDeleteModal() string {
	var b strings.Builder

	b.WriteString(ModalTitleStyle.Render("Delete Project"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Delete '%s' and all of its files?\n\n", m.deleteName))
	b.WriteString(lipgloss.NewStyle().Foreground(ColorGreen).Render("[y]") + " Yes  ")
	b.WriteString(lipgloss.NewStyle().Foreground(ColorRed).Render("[n]") + " No")

	return ModalStyle.Render(b.String())
}

// highlightMatch styles the first case-insensitive match of query in name
// with charStyle and the rest with rowStyle.
func highlightMatch(name, query string, charStyle, rowStyle lipgloss.Style) string {
	lower := strings.ToLower(name)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 || idx+len(query) > len(name) {
		return rowStyle.Render(name)
	}
	before := name[:idx]
	match := name[idx : idx+len(query)]
	after := name[idx+len(query):]

	var result string
	if before != "" {
		result += rowStyle.Render(before)
	}
	result += charStyle.Render(match)
	if after != "" {
		result += rowStyle.Render(after)
	}
	return result
}

// fileHyperlink wraps a file path in an OSC 8 terminal hyperlink.
func fileHyperlink(path string) string {
	url := "file://" + path
	return fmt.Sprintf("\x1b]8;;%s\x1b\\%s\x1b]8;;\x1b\\", url, path)
}

func getLine(block string, idx int, width int) string {
	lines := strings.Split(block, "\n")
	if idx < len(lines) {
		line := lines[idx]
		lineWidth := lipgloss.Width(line)
		if lineWidth < width {
			return line + strings.Repeat(" ", width-lineWidth)
		}
		return line
	}
	return strings.Repeat(" ", width)
}

func placeOverlay(modal string, width, height int) string {
	modalLines := strings.Split(modal, "\n")

	topPadding := (height - len(modalLines)) / 2
	if topPadding < 0 {
		topPadding = 0
	}
	leftPadding := (width - lipgloss.Width(modalLines[0])) / 2
	if leftPadding < 0 {
		leftPadding = 0
	}

	var result strings.Builder
	for i := 0; i < topPadding; i++ {
		result.WriteString("\n")
	}
	for _, line := range modalLines {
		result.WriteString(strings.Repeat(" ", leftPadding))
		result.WriteString(line)
		result.WriteString("\n")
	}
	return result.String()
}
