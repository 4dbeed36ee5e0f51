package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/export"
	"github.com/pypottery/lens/pkg/store"
)

// PDFExtractor writes the page images of a PDF into a folder.
type PDFExtractor interface {
	Process(ctx context.Context, pdfPath, outputDir string, splitPages bool, projectName string) (int, error)
}

// Detector produces the mask layer of one image.
type Detector interface {
	Detect(ctx context.Context, imagePath, maskPath string, confidence float64, modelFile string) error
}

// CardExtractor cuts cards out of images using their masks.
type CardExtractor interface {
	Extract(ctx context.Context, masksDir, imagesDir, cardsDir string, skip map[string]bool, progress cards.ProgressFunc) (string, error)
}

// Classifier classifies one card and writes its post-processed copy to outPath.
type Classifier interface {
	Classify(ctx context.Context, cardPath, outPath string) (cards.Classification, error)
}

// Exporter packages cards into an archive.
type Exporter interface {
	Export(ctx context.Context, req export.Request) (export.Result, error)
}

// Request carries the parameters of an operation. Fields unused by the
// operation are ignored.
type Request struct {
	ProjectID string `json:"-"`

	// import_pdf; PDFPath is a local file and never decoded from a client
	PDFPath    string `json:"-"`
	SplitPages bool   `json:"split_pages,omitempty"`

	// apply_model; nil falls back to the project settings
	ModelFile  *string  `json:"model_file,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// export
	Acronym string `json:"acronym,omitempty"`
}

// Result summarizes a finished operation.
type Result struct {
	Op      Op     `json:"op"`
	Count   int    `json:"count"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

const maxFinishedRuns = 100

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithPDFExtractor(x PDFExtractor) Option   { return func(p *Pipeline) { p.pdf = x } }
func WithDetector(d Detector) Option           { return func(p *Pipeline) { p.detector = d } }
func WithCardExtractor(x CardExtractor) Option { return func(p *Pipeline) { p.cards = x } }
func WithClassifier(c Classifier) Option       { return func(p *Pipeline) { p.classifier = c } }
func WithExporter(x Exporter) Option           { return func(p *Pipeline) { p.exporter = x } }
func WithLogger(l zerolog.Logger) Option       { return func(p *Pipeline) { p.log = l } }

// WithModelsDir sets the shared directory searched for model files that are
// not in a project's models folder.
func WithModelsDir(dir string) Option { return func(p *Pipeline) { p.modelsDir = dir } }

// WithWorkers bounds concurrent classification.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// Pipeline runs operations against a store. One operation per project runs
// at a time.
type Pipeline struct {
	projects   *store.Store
	pdf        PDFExtractor
	detector   Detector
	cards      CardExtractor
	classifier Classifier
	exporter   Exporter
	workers    int
	modelsDir  string
	log        zerolog.Logger

	mu       sync.Mutex
	active   map[string]string // project id -> op
	runs     map[string]*Run
	finished []string
	wg       sync.WaitGroup
}

// New returns a Pipeline over s.
func New(s *store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		projects: s,
		workers:  4,
		log:      zerolog.Nop(),
		active:   make(map[string]string),
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs op synchronously. emit may be nil.
func (p *Pipeline) Do(ctx context.Context, op Op, req Request, emit func(Event)) (Result, error) {
	if err := p.acquire(req.ProjectID, op); err != nil {
		return Result{}, err
	}
	defer p.release(req.ProjectID)
	if emit == nil {
		emit = func(Event) {}
	}
	return p.execute(ctx, op, req, emit)
}

func (p *Pipeline) ImportPDF(ctx context.Context, req Request) (Result, error) {
	return p.Do(ctx, OpImportPDF, req, nil)
}

func (p *Pipeline) ApplyModel(ctx context.Context, req Request) (Result, error) {
	return p.Do(ctx, OpApplyModel, req, nil)
}

func (p *Pipeline) ExtractCards(ctx context.Context, req Request) (Result, error) {
	return p.Do(ctx, OpExtractCards, req, nil)
}

func (p *Pipeline) Classify(ctx context.Context, req Request) (Result, error) {
	return p.Do(ctx, OpClassify, req, nil)
}

func (p *Pipeline) Merge(ctx context.Context, req Request) (Result, error) {
	return p.Do(ctx, OpMerge, req, nil)
}

func (p *Pipeline) Export(ctx context.Context, req Request) (Result, error) {
	return p.Do(ctx, OpExport, req, nil)
}

// Start validates op and runs it on its own goroutine. Transition and busy
// errors are returned immediately; failures during the run are reported by
// the final event and by Wait.
func (p *Pipeline) Start(ctx context.Context, op Op, req Request) (*Run, error) {
	if _, err := p.prepare(req.ProjectID, op); err != nil {
		return nil, err
	}
	if err := p.acquire(req.ProjectID, op); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(req.ProjectID, op, cancel)

	p.mu.Lock()
	p.runs[run.ID] = run
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		run.publish(Event{Message: "started"})
		res, err := p.execute(runCtx, op, req, run.publish)
		p.release(req.ProjectID)
		run.finish(res, err)
		p.retire(run.ID)
		if err != nil {
			p.log.Error().Err(err).Str("run_id", run.ID).Str("op", string(op)).Msg("run failed")
		}
	}()
	return run, nil
}

// Run looks up a started run.
func (p *Pipeline) Run(id string) (*Run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[id]
	return r, ok
}

// Wait blocks until every started run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Exclusive runs fn while holding the project's operation slot so manual edits
// never overlap a running stage. A busy project fails with ErrBusy.
func (p *Pipeline) Exclusive(id, what string, fn func() error) error {
	if err := p.acquire(id, Op(what)); err != nil {
		return err
	}
	defer p.release(id)
	return fn()
}

func (p *Pipeline) acquire(id string, op Op) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrBusy, cur)
	}
	p.active[id] = string(op)
	return nil
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// retire keeps finished runs queryable, dropping the oldest past a limit.
func (p *Pipeline) retire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, id)
	for len(p.finished) > maxFinishedRuns {
		delete(p.runs, p.finished[0])
		p.finished = p.finished[1:]
	}
}
