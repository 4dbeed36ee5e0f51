package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Folder names one of the fixed subdirectories of a project workspace.
type Folder string

const (
	FolderPDFSource     Folder = "pdf_source"
	FolderImages        Folder = "images"
	FolderMasks         Folder = "masks"
	FolderCards         Folder = "cards"
	FolderCardsModified Folder = "cards_modified"
	FolderExports       Folder = "exports"
	FolderModels        Folder = "models"
)

// Folders lists every subdirectory created for a new project, in creation order.
var Folders = []Folder{
	FolderPDFSource,
	FolderImages,
	FolderMasks,
	FolderCards,
	FolderCardsModified,
	FolderExports,
	FolderModels,
}

// SidecarName is the metadata file that makes a directory a project.
const SidecarName = "project.json"

// ClassificationsFile is the classifier's table in the cards_modified folder.
// Its presence marks a project as classified.
const ClassificationsFile = "classifications.csv"

// DefaultIcon is used when a project is created without one.
const DefaultIcon = "1.png"

// DefaultConfidence is the initial detection confidence threshold.
const DefaultConfidence = 0.5

// Project is the full metadata record stored in project.json.
type Project struct {
	ID             string         `json:"project_id"`
	Name           string         `json:"project_name"`
	Description    string         `json:"description"`
	Icon           string         `json:"icon"`
	CreatedAt      Timestamp      `json:"created_at"`
	LastModified   Timestamp      `json:"last_modified"`
	WorkflowStatus WorkflowStatus `json:"workflow_status"`
	Settings       Settings       `json:"settings"`
}

// WorkflowStatus is the ledger of pipeline stages run against a project.
// Counters reflect file counts at the time of the last sync, not running tallies.
type WorkflowStatus struct {
	PDFProcessed         bool     `json:"pdf_processed"`
	PDFCount             int      `json:"pdf_count"`
	ImagesExtracted      int      `json:"images_extracted"`
	ModelApplied         bool     `json:"model_applied"`
	MasksExtracted       int      `json:"masks_extracted"`
	AnnotationsCompleted int      `json:"annotations_completed"`
	TotalImages          int      `json:"total_images"`
	ReviewedImages       []string `json:"reviewed_images"`

	CardsExtracted    int  `json:"cards_extracted"`
	CardsClassified   int  `json:"cards_classified"`
	AnnotationsMerged bool `json:"annotations_merged"`
	ExportsCreated    int  `json:"exports_created"`
}

// IsReviewed reports whether image has been marked as reviewed.
func (w WorkflowStatus) IsReviewed(image string) bool {
	for _, name := range w.ReviewedImages {
		if name == image {
			return true
		}
	}
	return false
}

// Settings holds per-project processing options.
type Settings struct {
	ModelFile           *string  `json:"model_file"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	ExcludedImages      []string `json:"excluded_images"`
}

// IsExcluded reports whether image is in the exclusion set.
func (s Settings) IsExcluded(image string) bool {
	for _, name := range s.ExcludedImages {
		if name == image {
			return true
		}
	}
	return false
}

// ExcludedSet returns the exclusion set as a map for repeated lookups.
func (s Settings) ExcludedSet() map[string]bool {
	set := make(map[string]bool, len(s.ExcludedImages))
	for _, name := range s.ExcludedImages {
		set[name] = true
	}
	return set
}

// normalize replaces nil slices so the sidecar always carries [] rather than null.
func (p *Project) normalize() {
	if p.WorkflowStatus.ReviewedImages == nil {
		p.WorkflowStatus.ReviewedImages = []string{}
	}
	if p.Settings.ExcludedImages == nil {
		p.Settings.ExcludedImages = []string{}
	}
}

// Timestamp is a time.Time serialized as an ISO-8601 string.
type Timestamp struct {
	time.Time
}

// naive layouts accepted on read, as written by tools that omit the zone
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}
