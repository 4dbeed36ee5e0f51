package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pypottery/lens/pkg/workflow"
)

// Color palette
var (
	ColorPurple      = lipgloss.Color("#7D56F4")
	ColorGreen       = lipgloss.Color("#25A065")
	ColorBlue        = lipgloss.Color("#4285F4")
	ColorRed         = lipgloss.Color("#E05252")
	ColorYellow      = lipgloss.Color("#E5C07B")
	ColorGray        = lipgloss.Color("#626262")
	ColorGrayDim     = lipgloss.Color("#404040")
	ColorWhite       = lipgloss.Color("#FFFFFF")
	ColorOffWhite    = lipgloss.Color("#D0D0D0")
	ColorSelectionBg = lipgloss.Color("#2D3B4D")
	ColorCyan        = lipgloss.Color("#56B6C2")
	ColorOrange      = lipgloss.Color("#D19A66")
)

// Header styles
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPurple)

	HeaderCountStyle = lipgloss.NewStyle().
				Foreground(ColorGray)

	FooterStyle = lipgloss.NewStyle().
			Foreground(ColorGray)
)

// List item styles
var (
	SelectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite).
			Background(ColorSelectionBg)

	NormalStyle = lipgloss.NewStyle()

	StageIdleStyle = lipgloss.NewStyle().
			Foreground(ColorOffWhite)

	StageActiveStyle = lipgloss.NewStyle().
				Foreground(ColorYellow)

	StageDoneStyle = lipgloss.NewStyle().
			Foreground(ColorGreen)

	RunningStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorOrange)
)

// Modal styles
var (
	ModalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPurple).
			Padding(1, 2)

	ModalTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPurple)
)

// Input styles
var (
	InputPromptStyle = lipgloss.NewStyle().
				Foreground(ColorPurple).
				Bold(true)
)

// Search styles
var (
	ColorSearchRowBg  = lipgloss.Color("#1E1A2E")
	ColorSearchCharBg = lipgloss.Color("#2E2545")

	SearchBarStyle = lipgloss.NewStyle().
			Foreground(ColorWhite)

	SearchRowStyle = lipgloss.NewStyle().
			Background(ColorSearchRowBg)

	SearchCharStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPurple).
			Background(ColorSearchCharBg)

	SearchCharSelectedStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorPurple).
				Background(ColorSelectionBg)

	SearchCountStyle = lipgloss.NewStyle().
				Foreground(ColorGray)
)

// Stage icons
const (
	IconCreated  = "○"
	IconImported = "◔"
	IconMasked   = "◑"
	IconCarded   = "◕"
	IconClassed  = "●"
	IconExported = "✓"
	IconRunning  = "⟳"
)

// stageIcon renders the icon of stage s in its colour.
func stageIcon(s workflow.Stage) string {
	switch s {
	case workflow.StageCreated:
		return StageIdleStyle.Render(IconCreated)
	case workflow.StagePDFImported:
		return StageActiveStyle.Render(IconImported)
	case workflow.StageMasksExtracted:
		return StageActiveStyle.Render(IconMasked)
	case workflow.StageCardsExtracted:
		return StageActiveStyle.Render(IconCarded)
	case workflow.StageClassified:
		return StageDoneStyle.Render(IconClassed)
	default:
		return StageDoneStyle.Render(IconExported)
	}
}
