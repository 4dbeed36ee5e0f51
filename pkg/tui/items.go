package tui

import (
	"strings"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

// ListItem is one row of the project list.
type ListItem struct {
	ID      string
	Name    string
	Stage   workflow.Stage
	Project *store.Project
}

// BuildItems converts projects into list rows, keeping their order.
func BuildItems(projects []*store.Project) []ListItem {
	items := make([]ListItem, 0, len(projects))
	for _, p := range projects {
		items = append(items, ListItem{
			ID:      p.ID,
			Name:    displayName(p),
			Stage:   workflow.CurrentStage(p.WorkflowStatus),
			Project: p,
		})
	}
	return items
}

func displayName(p *store.Project) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// FilterItems keeps the items whose name or id contains query, ignoring case.
func FilterItems(items []ListItem, query string) []ListItem {
	if query == "" {
		return items
	}
	q := strings.ToLower(query)
	var result []ListItem
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Name), q) || strings.Contains(strings.ToLower(item.ID), q) {
			result = append(result, item)
		}
	}
	return result
}

// NextOp returns the operation that advances a project at stage s without
// further input. Importing and exporting need a PDF path or an acronym and
// are left to the CLI.
func NextOp(s workflow.Stage) (workflow.Op, bool) {
	switch s {
	case workflow.StagePDFImported:
		return workflow.OpApplyModel, true
	case workflow.StageMasksExtracted:
		return workflow.OpExtractCards, true
	case workflow.StageCardsExtracted:
		return workflow.OpClassify, true
	case workflow.StageClassified:
		return workflow.OpMerge, true
	default:
		return "", false
	}
}
