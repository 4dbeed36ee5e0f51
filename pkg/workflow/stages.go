package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/export"
	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
)

// prepare loads the project and checks that op may run on it.
func (p *Pipeline) prepare(id string, op Op) (*store.Project, error) {
	if _, err := ParseOp(string(op)); err != nil {
		return nil, err
	}
	proj, ok, err := p.projects.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err := CheckTransition(CurrentStage(proj.WorkflowStatus), op); err != nil {
		return nil, err
	}
	return proj, nil
}

func (p *Pipeline) execute(ctx context.Context, op Op, req Request, emit func(Event)) (Result, error) {
	proj, err := p.prepare(req.ProjectID, op)
	if err != nil {
		return Result{}, err
	}
	log := p.log.With().Str("project_id", proj.ID).Str("op", string(op)).Logger()
	log.Debug().Msg("operation starting")

	var res Result
	switch op {
	case OpImportPDF:
		res, err = p.importPDF(ctx, proj, req, emit)
	case OpApplyModel:
		res, err = p.applyModel(ctx, proj, req, emit)
	case OpExtractCards:
		res, err = p.extractCards(ctx, proj, emit)
	case OpClassify:
		res, err = p.classify(ctx, proj, emit)
	case OpMerge:
		res, err = p.merge(proj)
	case OpExport:
		res, err = p.export(ctx, proj, req, emit)
	}
	if err != nil {
		return Result{}, err
	}
	res.Op = op
	log.Info().Int("count", res.Count).Msg(res.Message)
	return res, nil
}

// folder returns a project folder, creating it if a user removed it.
func (p *Pipeline) folder(id string, f store.Folder) (string, error) {
	dir, ok := p.projects.Path(id, f)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (p *Pipeline) sync(id string, u store.WorkflowUpdate) error {
	ok, err := p.projects.SyncWorkflowStatus(id, u)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}

func (p *Pipeline) importPDF(ctx context.Context, proj *store.Project, req Request, emit func(Event)) (Result, error) {
	if p.pdf == nil {
		return Result{}, fmt.Errorf("%w: pdf extractor", ErrUnavailable)
	}
	if req.PDFPath == "" {
		return Result{}, fmt.Errorf("%w: pdf path is required", store.ErrValidation)
	}
	src, err := filepath.Abs(req.PDFPath)
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(src); err != nil {
		return Result{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}

	pdfDir, err := p.folder(proj.ID, store.FolderPDFSource)
	if err != nil {
		return Result{}, err
	}
	imagesDir, err := p.folder(proj.ID, store.FolderImages)
	if err != nil {
		return Result{}, err
	}

	dst := filepath.Join(pdfDir, filepath.Base(src))
	if filepath.Clean(src) != filepath.Clean(dst) {
		emit(Event{Message: "copying " + filepath.Base(src)})
		if err := fsutil.CopyFile(src, dst); err != nil {
			return Result{}, fmt.Errorf("copying pdf: %w", err)
		}
	}

	emit(Event{Message: "extracting images", Total: 1})
	n, err := p.pdf.Process(ctx, dst, imagesDir, req.SplitPages, proj.Name)
	if err != nil {
		return Result{}, err
	}
	emit(Event{Current: 1, Total: 1, Message: fmt.Sprintf("%d images extracted", n)})

	if err := p.sync(proj.ID, store.WorkflowUpdate{PDFProcessed: store.Bool(true)}); err != nil {
		return Result{}, err
	}
	return Result{Count: n, Message: fmt.Sprintf("Extracted %d images from %s", n, filepath.Base(dst))}, nil
}

func (p *Pipeline) applyModel(ctx context.Context, proj *store.Project, req Request, emit func(Event)) (Result, error) {
	if p.detector == nil {
		return Result{}, fmt.Errorf("%w: detector", ErrUnavailable)
	}

	confidence := proj.Settings.ConfidenceThreshold
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Result{}, fmt.Errorf("%w: confidence must be between 0 and 1", store.ErrValidation)
	}
	modelFile := ""
	if proj.Settings.ModelFile != nil {
		modelFile = *proj.Settings.ModelFile
	}
	if req.ModelFile != nil {
		modelFile = *req.ModelFile
	}

	images, err := p.projects.ListImages(proj.ID, store.FolderImages)
	if err != nil {
		return Result{}, err
	}
	excluded := proj.Settings.ExcludedSet()
	var todo []string
	for _, img := range images {
		if !excluded[img] {
			todo = append(todo, img)
		}
	}
	if len(todo) == 0 {
		return Result{}, fmt.Errorf("%w: no images to process", ErrNoInput)
	}

	imagesDir, _ := p.projects.Path(proj.ID, store.FolderImages)
	masksDir, err := p.folder(proj.ID, store.FolderMasks)
	if err != nil {
		return Result{}, err
	}
	modelPath := p.resolveModel(proj.ID, modelFile)

	for i, img := range todo {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		mask := filepath.Join(masksDir, cards.Stem(img)+cards.MaskSuffix)
		if err := p.detector.Detect(ctx, filepath.Join(imagesDir, img), mask, confidence, modelPath); err != nil {
			return Result{}, fmt.Errorf("detecting %s: %w", img, err)
		}
		emit(Event{Current: i + 1, Total: len(todo), Message: img})
	}

	settings := store.SettingsUpdate{ConfidenceThreshold: store.Float(confidence)}
	if req.ModelFile != nil {
		settings.ModelFile = store.String(modelFile)
	}
	if _, err := p.projects.UpdateSettings(proj.ID, settings); err != nil {
		return Result{}, err
	}
	if err := p.sync(proj.ID, store.WorkflowUpdate{ModelApplied: store.Bool(true)}); err != nil {
		return Result{}, err
	}
	return Result{Count: len(todo), Message: fmt.Sprintf("Applied model to %d images", len(todo))}, nil
}

// resolveModel prefers a copy of the model inside the project's models folder,
// then one in the shared models directory.
func (p *Pipeline) resolveModel(id, modelFile string) string {
	if modelFile == "" || filepath.IsAbs(modelFile) {
		return modelFile
	}
	var dirs []string
	if dir, ok := p.projects.Path(id, store.FolderModels); ok {
		dirs = append(dirs, dir)
	}
	if p.modelsDir != "" {
		dirs = append(dirs, p.modelsDir)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, modelFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return modelFile
}

func (p *Pipeline) extractCards(ctx context.Context, proj *store.Project, emit func(Event)) (Result, error) {
	if p.cards == nil {
		return Result{}, fmt.Errorf("%w: card extractor", ErrUnavailable)
	}
	masksDir, _ := p.projects.Path(proj.ID, store.FolderMasks)
	imagesDir, _ := p.projects.Path(proj.ID, store.FolderImages)
	cardsDir, err := p.folder(proj.ID, store.FolderCards)
	if err != nil {
		return Result{}, err
	}

	msg, err := p.cards.Extract(ctx, masksDir, imagesDir, cardsDir, proj.Settings.ExcludedSet(), func(current, total int, item string) {
		emit(Event{Current: current, Total: total, Message: item})
	})
	if errors.Is(err, cards.ErrNoMasks) {
		return Result{}, fmt.Errorf("%w: %v", ErrNoInput, err)
	}
	if err != nil {
		return Result{}, err
	}

	if err := p.sync(proj.ID, store.WorkflowUpdate{}); err != nil {
		return Result{}, err
	}
	n, err := p.projects.CountFiles(proj.ID, store.FolderCards)
	if err != nil {
		return Result{}, err
	}
	return Result{Count: n, Message: msg}, nil
}

func (p *Pipeline) classify(ctx context.Context, proj *store.Project, emit func(Event)) (Result, error) {
	if p.classifier == nil {
		return Result{}, fmt.Errorf("%w: classifier", ErrUnavailable)
	}
	names, err := p.projects.ListImages(proj.ID, store.FolderCards)
	if err != nil {
		return Result{}, err
	}
	if len(names) == 0 {
		return Result{}, fmt.Errorf("%w: no cards to classify", ErrNoInput)
	}
	cardsDir, _ := p.projects.Path(proj.ID, store.FolderCards)
	outDir, err := p.folder(proj.ID, store.FolderCardsModified)
	if err != nil {
		return Result{}, err
	}

	var (
		mu      sync.Mutex
		results []cards.Classification
		done    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := p.classifier.Classify(gctx, filepath.Join(cardsDir, name), filepath.Join(outDir, name))

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.log.Warn().Err(err).Str("card", name).Msg("classification failed")
			} else {
				results = append(results, c)
			}
			emit(Event{Current: done, Total: len(names), Message: name})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		return Result{}, fmt.Errorf("%w: every card failed to classify", ErrNoInput)
	}

	if err := cards.WriteClassifications(filepath.Join(outDir, cards.ClassificationsFile), results); err != nil {
		return Result{}, err
	}
	if err := p.sync(proj.ID, store.WorkflowUpdate{}); err != nil {
		return Result{}, err
	}
	return Result{Count: len(results), Message: fmt.Sprintf("Successfully processed %d cards", len(results))}, nil
}

func (p *Pipeline) merge(proj *store.Project) (Result, error) {
	cardsDir, _ := p.projects.Path(proj.ID, store.FolderCards)
	outDir, err := p.folder(proj.ID, store.FolderCardsModified)
	if err != nil {
		return Result{}, err
	}
	n, err := cards.Merge(
		filepath.Join(cardsDir, cards.MaskInfoFile),
		filepath.Join(outDir, cards.ClassificationsFile),
		filepath.Join(outDir, cards.MergedFile),
	)
	if errors.Is(err, cards.ErrNoTable) {
		return Result{}, fmt.Errorf("%w: %v", ErrNoInput, err)
	}
	if err != nil {
		return Result{}, err
	}
	if err := p.sync(proj.ID, store.WorkflowUpdate{AnnotationsMerged: store.Bool(true)}); err != nil {
		return Result{}, err
	}
	return Result{Count: n, Message: fmt.Sprintf("Successfully merged %d annotations", n)}, nil
}

func (p *Pipeline) export(ctx context.Context, proj *store.Project, req Request, emit func(Event)) (Result, error) {
	if p.exporter == nil {
		return Result{}, fmt.Errorf("%w: exporter", ErrUnavailable)
	}
	if !export.ValidAcronym(req.Acronym) {
		return Result{}, fmt.Errorf("%w: %v", store.ErrValidation, export.ErrInvalidAcronym)
	}
	cardsDir, _ := p.projects.Path(proj.ID, store.FolderCards)
	modifiedDir, _ := p.projects.Path(proj.ID, store.FolderCardsModified)
	exportsDir, err := p.folder(proj.ID, store.FolderExports)
	if err != nil {
		return Result{}, err
	}

	out, err := p.exporter.Export(ctx, export.Request{
		Acronym:     req.Acronym,
		CardsDir:    cardsDir,
		ModifiedDir: modifiedDir,
		ExportsDir:  exportsDir,
		Excluded:    proj.Settings.ExcludedSet(),
		Progress: func(current, total int, item string) {
			emit(Event{Current: current, Total: total, Message: item})
		},
	})
	if errors.Is(err, export.ErrNoCards) {
		return Result{}, fmt.Errorf("%w: %v", ErrNoInput, err)
	}
	if err != nil {
		return Result{}, err
	}
	if err := p.sync(proj.ID, store.WorkflowUpdate{}); err != nil {
		return Result{}, err
	}
	return Result{Count: out.Cards, Path: out.Path, Message: fmt.Sprintf("Exported %d cards to %s", out.Cards, filepath.Base(out.Path))}, nil
}
