package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

// fakePDF writes n placeholder page images.
type fakePDF struct{ n int }

func (f fakePDF) Process(ctx context.Context, pdfPath, outputDir string, split bool, project string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}
	for i := 1; i <= f.n; i++ {
		name := fmt.Sprintf("%s_%03d.png", store.SanitizeName(project), i)
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte("png"), 0644); err != nil {
			return 0, err
		}
	}
	return f.n, nil
}

type testEnv struct {
	store    *store.Store
	pipeline *workflow.Pipeline
	server   *httptest.Server
}

func setupTestServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	p := workflow.New(st,
		workflow.WithPDFExtractor(fakePDF{n: 2}),
		workflow.WithCardExtractor(cards.NewExtractor(cards.DefaultMinArea, zerolog.Nop())),
	)
	srv := httptest.NewServer(New(st, p, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		p.Wait()
	})
	return &testEnv{store: st, pipeline: p, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) create(t *testing.T, name string) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, "/api/projects", map[string]string{"project_name": name})
	require.Equal(t, http.StatusCreated, status, out)
	return out["project"].(map[string]any)["project_id"].(string)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	status, out := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", out["status"])
}

func TestCreateGetListDelete(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "Site A")

	status, out := env.do(t, http.MethodGet, "/api/projects/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Site A", out["project"].(map[string]any)["project_name"])

	status, out = env.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["projects"], 1)

	status, _ = env.do(t, http.MethodDelete, "/api/projects/"+id, nil)
	assert.Equal(t, http.StatusOK, status)

	status, out = env.do(t, http.MethodGet, "/api/projects/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "project not found", out["error"])
}

func TestCreateRequiresName(t *testing.T) {
	env := setupTestServer(t)
	status, out := env.do(t, http.MethodPost, "/api/projects", map[string]string{"description": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, out["success"])
}

func TestUpdateWorkflow(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")

	status, out := env.do(t, http.MethodPatch, "/api/projects/"+id+"/workflow", map[string]any{
		"status_updates": map[string]any{"pdf_processed": true, "total_images": 3},
	})
	require.Equal(t, http.StatusOK, status, out)
	ws := out["project"].(map[string]any)["workflow_status"].(map[string]any)
	assert.Equal(t, true, ws["pdf_processed"])
	assert.Equal(t, float64(3), ws["total_images"])

	status, _ = env.do(t, http.MethodPatch, "/api/projects/"+id+"/workflow", map[string]any{
		"status_updates": map[string]any{"no_such_key": 1},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPatch, "/api/projects/missing/workflow", map[string]any{
		"status_updates": map[string]any{"pdf_processed": true},
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpdateSettings(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")

	status, out := env.do(t, http.MethodPatch, "/api/projects/"+id+"/settings", map[string]any{
		"settings": map[string]any{"confidence_threshold": 0.7, "model_file": "lens.pt"},
	})
	require.Equal(t, http.StatusOK, status, out)
	settings := out["project"].(map[string]any)["settings"].(map[string]any)
	assert.Equal(t, 0.7, settings["confidence_threshold"])
	assert.Equal(t, "lens.pt", settings["model_file"])

	status, _ = env.do(t, http.MethodPatch, "/api/projects/"+id+"/settings", map[string]any{
		"settings": map[string]any{"confidence_threshold": 1.5},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExcludedImagesReplace(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")

	for _, names := range [][]string{{"a.png"}, {"b.png"}} {
		status, _ := env.do(t, http.MethodPost, "/api/projects/"+id+"/excluded-images",
			map[string]any{"excluded_images": names})
		require.Equal(t, http.StatusOK, status)
	}
	p, ok, err := env.store.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"b.png"}, p.Settings.ExcludedImages)
}

func TestMarkReviewed(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")

	status, _ := env.do(t, http.MethodPost, "/api/projects/"+id+"/reviewed", map[string]any{"image_name": ""})
	assert.Equal(t, http.StatusBadRequest, status)

	status, out := env.do(t, http.MethodPost, "/api/projects/"+id+"/reviewed", map[string]any{"image_name": "a.png"})
	require.Equal(t, http.StatusOK, status)
	ws := out["project"].(map[string]any)["workflow_status"].(map[string]any)
	assert.Equal(t, []any{"a.png"}, ws["reviewed_images"])
	assert.Equal(t, float64(1), ws["annotations_completed"])
}

func TestStageAndTransitions(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")

	status, out := env.do(t, http.MethodGet, "/api/projects/"+id+"/stage", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "created", out["stage"])
	assert.Equal(t, []any{"import_pdf"}, out["allowed_ops"])

	status, _ = env.do(t, http.MethodPost, "/api/projects/"+id+"/ops/extract_cards", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodPost, "/api/projects/"+id+"/ops/bake", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/projects/"+id+"/ops/apply_model", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestUploadPDFStartsImport(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "Site A")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/api/projects/"+id+"/pdf", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	runID := started["run_id"].(string)

	run, ok := env.pipeline.Run(runID)
	require.True(t, ok)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	status, out := env.do(t, http.MethodGet, "/api/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["run"].(map[string]any)["done"])

	status, out = env.do(t, http.MethodGet, "/api/projects/"+id+"/images", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), out["count"])
	assert.Equal(t, "/api/projects/"+id+"/files/images/Site_A_001.png", out["images"].([]any)[0])

	assert.FileExists(t, filepath.Join(env.store.Root, id, "pdf_source", "report.pdf"))

	status, out = env.do(t, http.MethodGet, "/api/projects/"+id+"/stage", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pdf_imported", out["stage"])
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/api/projects/"+id+"/pdf", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunWebsocketReplaysEvents(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")
	pdfPath := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF"), 0644))

	run, err := env.pipeline.Start(context.Background(), workflow.OpImportPDF, workflow.Request{ProjectID: id, PDFPath: pdfPath})
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/runs/" + run.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var events []workflow.Event
	for {
		var e workflow.Event
		require.NoError(t, conn.ReadJSON(&e))
		events = append(events, e)
		if e.Done {
			break
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "started", events[0].Message)
	last := events[len(events)-1]
	assert.Empty(t, last.Err)
	require.NotNil(t, last.Result)
	assert.Equal(t, 2, last.Result.Count)
}

func TestUnknownRun(t *testing.T) {
	env := setupTestServer(t)
	status, out := env.do(t, http.MethodGet, "/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, out["success"])
}

func TestServeFile(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")
	dir, ok := env.store.Path(id, store.FolderImages)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("data"), 0644))

	resp, err := http.Get(env.server.URL + "/api/projects/" + id + "/files/images/a.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := env.do(t, http.MethodGet, "/api/projects/"+id+"/files/models/x.pt", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFlipAndRetypeCard(t *testing.T) {
	env := setupTestServer(t)
	id := env.create(t, "p")
	cardsDir, _ := env.store.Path(id, store.FolderCards)

	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{B: 255, A: 255})
	f, err := os.Create(filepath.Join(cardsDir, "a_mask_layer_0.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	status, out := env.do(t, http.MethodPost, "/api/projects/"+id+"/cards/a_mask_layer_0.png/flip",
		map[string]string{"direction": "horizontal"})
	require.Equal(t, http.StatusOK, status, out)
	ws := out["project"].(map[string]any)["workflow_status"].(map[string]any)
	// A flip alone does not classify the project.
	assert.Equal(t, float64(0), ws["cards_classified"])

	status, _ = env.do(t, http.MethodPost, "/api/projects/"+id+"/cards/a_mask_layer_0.png/flip",
		map[string]string{"direction": "diagonal"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = env.do(t, http.MethodPost, "/api/projects/"+id+"/cards/a_mask_layer_0.png/type",
		map[string]string{"type": "COM"})
	require.Equal(t, http.StatusOK, status)
	ws = out["project"].(map[string]any)["workflow_status"].(map[string]any)
	assert.Equal(t, float64(1), ws["cards_classified"])
	modifiedDir, _ := env.store.Path(id, store.FolderCardsModified)
	rows, err := cards.ReadClassifications(filepath.Join(modifiedDir, cards.ClassificationsFile))
	require.NoError(t, err)
	assert.Equal(t, "COM", rows["a_mask_layer_0.png"].Type)

	status, _ = env.do(t, http.MethodPost, "/api/projects/"+id+"/cards/missing.png/type",
		map[string]string{"type": "COM"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", store.ErrValidation), http.StatusBadRequest},
		{workflow.ErrUnknownOp, http.StatusBadRequest},
		{errNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", workflow.ErrNoInput), http.StatusNotFound},
		{store.ErrAlreadyExists, http.StatusConflict},
		{fmt.Errorf("x: %w", workflow.ErrInvalidTransition), http.StatusConflict},
		{workflow.ErrBusy, http.StatusConflict},
		{workflow.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("disk"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
