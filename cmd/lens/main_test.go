package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

func setupTestRoot(t *testing.T) string {
	t.Helper()
	t.Setenv("LENS_CONFIG_PATH", "")
	t.Setenv("LENS_PROJECTS_ROOT", "")
	t.Setenv("LENS_LOG_LEVEL", "error")
	return t.TempDir()
}

func runCLI(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--root", root, "--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func createProject(t *testing.T, root, name string) *store.Project {
	t.Helper()
	out, err := runCLI(t, root, "--json", "create", name, "-d", "test project")
	require.NoError(t, err)
	var p store.Project
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	return &p
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestCreateListShowDelete(t *testing.T) {
	root := setupTestRoot(t)

	out, err := runCLI(t, root, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No projects")

	p := createProject(t, root, "Site A")
	assert.Equal(t, "Site A", p.Name)
	assert.Equal(t, "test project", p.Description)
	assert.DirExists(t, filepath.Join(root, p.ID, "images"))

	out, err = runCLI(t, root, "list")
	require.NoError(t, err)
	assert.Contains(t, out, p.ID)
	assert.Contains(t, out, "created")

	out, err = runCLI(t, root, "--json", "list")
	require.NoError(t, err)
	var list []store.Project
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	out, err = runCLI(t, root, "show", p.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Site A")
	assert.Contains(t, out, "Confidence: 0.50")

	_, err = runCLI(t, root, "delete", p.ID)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, p.ID))

	_, err = runCLI(t, root, "show", p.ID)
	assert.ErrorContains(t, err, "project not found")
	_, err = runCLI(t, root, "delete", p.ID)
	assert.ErrorContains(t, err, "project not found")
}

func TestListJSONEmpty(t *testing.T) {
	root := setupTestRoot(t)
	out, err := runCLI(t, root, "--json", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestStatusPatch(t *testing.T) {
	root := setupTestRoot(t)
	p := createProject(t, root, "Site A")

	out, err := runCLI(t, root, "--json", "status", p.ID, "--set", `{"pdf_processed": true, "images_extracted": 3}`)
	require.NoError(t, err)
	var v struct {
		Stage      string   `json:"stage"`
		AllowedOps []string `json:"allowed_ops"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "pdf_imported", v.Stage)
	assert.Equal(t, []string{"import_pdf", "apply_model"}, v.AllowedOps)

	out, err = runCLI(t, root, "status", p.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Allowed: import_pdf apply_model")

	_, err = runCLI(t, root, "status", p.ID, "--set", `{"bogus": 1}`)
	assert.Error(t, err)
	_, err = runCLI(t, root, "status", p.ID, "--set", `{"pdf_count": -1}`)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSettingsExcludeReview(t *testing.T) {
	root := setupTestRoot(t)
	p := createProject(t, root, "Site A")

	out, err := runCLI(t, root, "--json", "settings", p.ID, "--model", "lens.pt", "--confidence", "0.7")
	require.NoError(t, err)
	var got store.Project
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Settings.ModelFile)
	assert.Equal(t, "lens.pt", *got.Settings.ModelFile)
	assert.InDelta(t, 0.7, got.Settings.ConfidenceThreshold, 1e-9)

	_, err = runCLI(t, root, "settings", p.ID, "--confidence", "1.5")
	assert.ErrorIs(t, err, store.ErrValidation)

	out, err = runCLI(t, root, "--json", "settings", p.ID, "--clear-model")
	require.NoError(t, err)
	got = store.Project{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Nil(t, got.Settings.ModelFile)

	out, err = runCLI(t, root, "exclude", p.ID, "a.png", "b.png", "a.png")
	require.NoError(t, err)
	assert.Contains(t, out, "exclusion set replaced")
	proj, ok, err := mustStore(t, root).Get(p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a.png", "b.png"}, proj.Settings.ExcludedImages)

	_, err = runCLI(t, root, "exclude", p.ID)
	require.NoError(t, err)
	_, err = runCLI(t, root, "review", p.ID, "page_001.png")
	require.NoError(t, err)

	proj, _, err = mustStore(t, root).Get(p.ID)
	require.NoError(t, err)
	assert.Empty(t, proj.Settings.ExcludedImages)
	assert.True(t, proj.WorkflowStatus.IsReviewed("page_001.png"))
}

func mustStore(t *testing.T, root string) *store.Store {
	t.Helper()
	s, err := store.NewStore(root)
	require.NoError(t, err)
	return s
}

func TestStageOrderEnforced(t *testing.T) {
	root := setupTestRoot(t)
	p := createProject(t, root, "Site A")

	_, err := runCLI(t, root, "merge", p.ID)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	_, err = runCLI(t, root, "export", p.ID, "SITE")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	_, err = runCLI(t, root, "extract-cards", "missing_1")
	assert.ErrorIs(t, err, workflow.ErrProjectNotFound)
}

func TestImportRejectsNonPDF(t *testing.T) {
	root := setupTestRoot(t)
	p := createProject(t, root, "Site A")
	_, err := runCLI(t, root, "import-pdf", p.ID, "scan.png")
	assert.ErrorContains(t, err, "not a PDF")
}

func TestExtractCardsRun(t *testing.T) {
	root := setupTestRoot(t)
	p := createProject(t, root, "Site A")

	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	mask := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 100, A: 255})
			if x < 10 && y < 10 {
				mask.Set(x, y, color.White)
			} else {
				mask.Set(x, y, color.Black)
			}
		}
	}
	writePNG(t, filepath.Join(root, p.ID, "images", "page_001.png"), src)
	writePNG(t, filepath.Join(root, p.ID, "masks", "page_001_mask_layer.png"), mask)

	_, err := runCLI(t, root, "status", p.ID, "--set", `{"model_applied": true}`)
	require.NoError(t, err)

	out, err := runCLI(t, root, "--json", "extract-cards", p.ID)
	require.NoError(t, err)
	var res workflow.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, workflow.OpExtractCards, res.Op)
	assert.Equal(t, 1, res.Count)
	assert.FileExists(t, filepath.Join(root, p.ID, "cards", "page_001_mask_layer_0.png"))

	proj, _, err := mustStore(t, root).Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, proj.WorkflowStatus.CardsExtracted)

	// no classifier command is configured
	_, err = runCLI(t, root, "classify", p.ID)
	assert.ErrorIs(t, err, workflow.ErrUnavailable)
}
