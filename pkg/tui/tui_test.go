package tui

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestBuildAndFilterItems(t *testing.T) {
	projects := []*store.Project{
		{ID: "site_a_1", Name: "Site A"},
		{ID: "kiln_2", Name: "Kiln Survey", WorkflowStatus: store.WorkflowStatus{CardsExtracted: 4}},
		{ID: "bare_3"},
	}
	items := BuildItems(projects)
	require.Len(t, items, 3)
	assert.Equal(t, workflow.StageCardsExtracted, items[1].Stage)
	assert.Equal(t, "bare_3", items[2].Name)

	assert.Len(t, FilterItems(items, ""), 3)
	got := FilterItems(items, "KILN")
	require.Len(t, got, 1)
	assert.Equal(t, "kiln_2", got[0].ID)
	assert.Empty(t, FilterItems(items, "zzz"))
}

func TestNextOp(t *testing.T) {
	tests := []struct {
		stage workflow.Stage
		op    workflow.Op
		ok    bool
	}{
		{workflow.StageCreated, "", false},
		{workflow.StagePDFImported, workflow.OpApplyModel, true},
		{workflow.StageMasksExtracted, workflow.OpExtractCards, true},
		{workflow.StageCardsExtracted, workflow.OpClassify, true},
		{workflow.StageClassified, workflow.OpMerge, true},
		{workflow.StageExported, "", false},
	}
	for _, tt := range tests {
		op, ok := NextOp(tt.stage)
		assert.Equal(t, tt.ok, ok, tt.stage.String())
		assert.Equal(t, tt.op, op, tt.stage.String())
		if ok {
			assert.NoError(t, workflow.CheckTransition(tt.stage, op))
		}
	}
}

func TestProjectMarkdown(t *testing.T) {
	model := "lens.pt"
	p := &store.Project{
		ID:          "p_1",
		Name:        "Site A",
		Description: "Trench **B** finds",
		WorkflowStatus: store.WorkflowStatus{
			PDFProcessed:    true,
			PDFCount:        1,
			ImagesExtracted: 12,
		},
		Settings: store.Settings{ModelFile: &model, ConfidenceThreshold: 0.5, ExcludedImages: []string{"a.png"}},
	}
	md := projectMarkdown(p, workflow.StagePDFImported)
	assert.Contains(t, md, "# Site A")
	assert.Contains(t, md, "**Stage:** pdf_imported")
	assert.Contains(t, md, "Trench **B** finds")
	assert.Contains(t, md, "| Images | 12 |")
	assert.Contains(t, md, "**Model:** lens.pt")
	assert.Contains(t, md, "**Excluded:** a.png")
	assert.Contains(t, md, "`apply_model`")
}

func TestCreateAndDeleteFromKeys(t *testing.T) {
	s := setupTestStore(t)
	m := NewModel(s)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	m = update(t, m, keyRunes("a"))
	require.True(t, m.isInputMode)
	m = update(t, m, keyRunes("Site B"))
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, m.isInputMode)

	projects, err := s.List()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Site B", projects[0].Name)
	require.Len(t, m.visibleItems, 1)
	assert.Contains(t, m.View(), "Site B")

	m = update(t, m, keyRunes("d"))
	require.True(t, m.showDeleteConfirm)
	m = update(t, m, keyRunes("n"))
	assert.False(t, m.showDeleteConfirm)
	assert.True(t, s.Exists(projects[0].ID))

	m = update(t, m, keyRunes("d"))
	m = update(t, m, keyRunes("y"))
	assert.False(t, s.Exists(projects[0].ID))
	assert.Empty(t, m.visibleItems)
}

func TestSearchFiltersList(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Create("Alpha", "", "")
	require.NoError(t, err)
	_, err = s.Create("Beta", "", "")
	require.NoError(t, err)

	m := NewModel(s)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	require.Len(t, m.visibleItems, 2)

	m = update(t, m, keyRunes("/"))
	m = update(t, m, keyRunes("bet"))
	require.Len(t, m.visibleItems, 1)
	assert.Equal(t, "Beta", m.visibleItems[0].Name)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Len(t, m.visibleItems, 2)
}

func TestRunKeyWithoutPipeline(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Create("Alpha", "", "")
	require.NoError(t, err)

	m := NewModel(s)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, keyRunes("n"))
	assert.Equal(t, "Pipeline not configured", m.statusMsg)
}

func TestRunKeyReportsStage(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Create("Alpha", "", "")
	require.NoError(t, err)

	m := NewModel(s, WithPipeline(workflow.New(s)))
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, keyRunes("n"))
	assert.Equal(t, "Nothing to run at stage created", m.statusMsg)
	assert.Nil(t, m.run)
}

func TestRunEventsUpdateModel(t *testing.T) {
	s := setupTestStore(t)
	p, err := s.Create("Alpha", "", "")
	require.NoError(t, err)
	_, err = s.UpdateWorkflowStatus(p.ID, store.WorkflowUpdate{ModelApplied: store.Bool(true)})
	require.NoError(t, err)

	pipe := workflow.New(s)
	m := NewModel(s, WithPipeline(pipe))
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	next, cmd := m.Update(keyRunes("n"))
	m = next.(Model)
	require.NotNil(t, m.run)
	require.NotNil(t, cmd)

	// no card extractor is configured, so the run fails
	for i := 0; i < 10 && m.run != nil; i++ {
		msg := cmd()
		require.IsType(t, RunEventMsg{}, msg)
		next, cmd = m.Update(msg)
		m = next.(Model)
	}
	assert.Nil(t, m.run)
	assert.Contains(t, m.statusMsg, "Failed")
	pipe.Wait()
}

func TestWatcherNotifiesOnSidecarChange(t *testing.T) {
	s := setupTestStore(t)
	p, err := s.Create("Alpha", "", "")
	require.NoError(t, err)

	var calls atomic.Int32
	stop, err := watch(s.Root, func() { calls.Add(1) })
	require.NoError(t, err)
	defer stop()

	_, err = s.UpdateSettings(p.ID, store.SettingsUpdate{ConfidenceThreshold: store.Float(0.8)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	// writes outside the sidecar are ignored
	before := calls.Load()
	dir, _ := s.Path(p.ID, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}
