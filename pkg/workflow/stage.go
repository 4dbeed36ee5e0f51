// Package workflow orders the pipeline stages of a project and runs them
// against the store, reporting progress as typed events.
package workflow

import (
	"errors"
	"fmt"

	"github.com/pypottery/lens/pkg/store"
)

var (
	// ErrInvalidTransition is returned when an operation's prerequisite stage
	// has not been reached.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrProjectNotFound is returned for operations on a missing project.
	ErrProjectNotFound = errors.New("project not found")
	// ErrBusy is returned when the project already has a running operation.
	ErrBusy = errors.New("project has an operation in progress")
	// ErrUnavailable is returned when the collaborator for an operation is not configured.
	ErrUnavailable = errors.New("operation not available")
	// ErrNoInput is returned when an operation finds nothing to process.
	ErrNoInput = errors.New("nothing to process")
	// ErrUnknownOp is returned for operation names outside the pipeline.
	ErrUnknownOp = errors.New("unknown operation")
)

// Stage is how far a project has progressed through the pipeline.
type Stage int

const (
	StageCreated Stage = iota
	StagePDFImported
	StageMasksExtracted
	StageCardsExtracted
	StageClassified
	StageExported
)

var stageNames = [...]string{
	StageCreated:        "created",
	StagePDFImported:    "pdf_imported",
	StageMasksExtracted: "masks_extracted",
	StageCardsExtracted: "cards_extracted",
	StageClassified:     "classified",
	StageExported:       "exported",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CurrentStage derives the furthest stage recorded in w.
func CurrentStage(w store.WorkflowStatus) Stage {
	switch {
	case w.ExportsCreated > 0:
		return StageExported
	case w.CardsClassified > 0 || w.AnnotationsMerged:
		return StageClassified
	case w.CardsExtracted > 0:
		return StageCardsExtracted
	case w.ModelApplied || w.MasksExtracted > 0:
		return StageMasksExtracted
	case w.PDFProcessed || w.ImagesExtracted > 0:
		return StagePDFImported
	default:
		return StageCreated
	}
}

// Op is a pipeline operation.
type Op string

const (
	OpImportPDF    Op = "import_pdf"
	OpApplyModel   Op = "apply_model"
	OpExtractCards Op = "extract_cards"
	OpClassify     Op = "classify"
	OpMerge        Op = "merge"
	OpExport       Op = "export"
)

// Ops lists every operation in pipeline order.
var Ops = []Op{OpImportPDF, OpApplyModel, OpExtractCards, OpClassify, OpMerge, OpExport}

var requires = map[Op]Stage{
	OpImportPDF:    StageCreated,
	OpApplyModel:   StagePDFImported,
	OpExtractCards: StageMasksExtracted,
	OpClassify:     StageCardsExtracted,
	OpMerge:        StageClassified,
	OpExport:       StageCardsExtracted,
}

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if _, ok := requires[op]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
	return op, nil
}

// Requires returns the stage a project must have reached before op.
func (op Op) Requires() Stage {
	return requires[op]
}

// CheckTransition reports whether op may run on a project at stage current.
// Operations may be repeated at any later stage.
func CheckTransition(current Stage, op Op) error {
	need, ok := requires[op]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	if current < need {
		return fmt.Errorf("%w: %s requires stage %s, project is at %s", ErrInvalidTransition, op, need, current)
	}
	return nil
}
