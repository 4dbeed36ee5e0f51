package store

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// WorkflowUpdate is a partial update of WorkflowStatus. Nil fields are left
// unchanged. The reviewed set and its count are absent: annotations_completed
// always equals len(reviewed_images) and only Store.MarkReviewed changes them.
type WorkflowUpdate struct {
	PDFProcessed      *bool `json:"pdf_processed,omitempty"`
	PDFCount          *int  `json:"pdf_count,omitempty"`
	ImagesExtracted   *int  `json:"images_extracted,omitempty"`
	ModelApplied      *bool `json:"model_applied,omitempty"`
	MasksExtracted    *int  `json:"masks_extracted,omitempty"`
	TotalImages       *int  `json:"total_images,omitempty"`
	CardsExtracted    *int  `json:"cards_extracted,omitempty"`
	CardsClassified   *int  `json:"cards_classified,omitempty"`
	AnnotationsMerged *bool `json:"annotations_merged,omitempty"`
	ExportsCreated    *int  `json:"exports_created,omitempty"`
}

// Bool returns a pointer to v, for building updates.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for building updates.
func Int(v int) *int { return &v }

// Float returns a pointer to v, for building updates.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v, for building updates.
func String(v string) *string { return &v }

func (u WorkflowUpdate) validate() error {
	counters := map[string]*int{
		"pdf_count":        u.PDFCount,
		"images_extracted": u.ImagesExtracted,
		"masks_extracted":  u.MasksExtracted,
		"total_images":     u.TotalImages,
		"cards_extracted":  u.CardsExtracted,
		"cards_classified": u.CardsClassified,
		"exports_created":  u.ExportsCreated,
	}
	for name, v := range counters {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrValidation, name)
		}
	}
	return nil
}

func (u WorkflowUpdate) apply(w *WorkflowStatus) {
	setBool(&w.PDFProcessed, u.PDFProcessed)
	setInt(&w.PDFCount, u.PDFCount)
	setInt(&w.ImagesExtracted, u.ImagesExtracted)
	setBool(&w.ModelApplied, u.ModelApplied)
	setInt(&w.MasksExtracted, u.MasksExtracted)
	setInt(&w.TotalImages, u.TotalImages)
	setInt(&w.CardsExtracted, u.CardsExtracted)
	setInt(&w.CardsClassified, u.CardsClassified)
	setBool(&w.AnnotationsMerged, u.AnnotationsMerged)
	setInt(&w.ExportsCreated, u.ExportsCreated)
}

// SettingsUpdate is a partial update of Settings.
type SettingsUpdate struct {
	// ModelFile sets the model; a pointer to "" clears it.
	ModelFile           *string
	ConfidenceThreshold *float64
	// ExcludedImages, when non-nil, replaces the exclusion set.
	ExcludedImages []string
}

func (u SettingsUpdate) validate() error {
	if c := u.ConfidenceThreshold; c != nil {
		if math.IsNaN(*c) || *c < 0 || *c > 1 {
			return fmt.Errorf("%w: confidence_threshold must be within [0,1], got %v", ErrValidation, *c)
		}
	}
	return nil
}

func (u SettingsUpdate) apply(s *Settings) {
	if u.ModelFile != nil {
		if *u.ModelFile == "" {
			s.ModelFile = nil
		} else {
			v := *u.ModelFile
			s.ModelFile = &v
		}
	}
	if u.ConfidenceThreshold != nil {
		s.ConfidenceThreshold = *u.ConfidenceThreshold
	}
	if u.ExcludedImages != nil {
		s.ExcludedImages = uniqueNames(u.ExcludedImages)
	}
}

// DecodeWorkflowUpdate reads a JSON workflow patch, rejecting unknown keys.
func DecodeWorkflowUpdate(r io.Reader) (WorkflowUpdate, error) {
	var u WorkflowUpdate
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		return WorkflowUpdate{}, fmt.Errorf("%w: workflow update: %v", ErrValidation, err)
	}
	if err := u.validate(); err != nil {
		return WorkflowUpdate{}, err
	}
	return u, nil
}

// DecodeSettingsUpdate reads a JSON settings patch, rejecting unknown keys.
// "model_file": null clears the model file.
func DecodeSettingsUpdate(r io.Reader) (SettingsUpdate, error) {
	var raw struct {
		ModelFile           json.RawMessage `json:"model_file"`
		ConfidenceThreshold *float64        `json:"confidence_threshold"`
		ExcludedImages      []string        `json:"excluded_images"`
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return SettingsUpdate{}, fmt.Errorf("%w: settings update: %v", ErrValidation, err)
	}

	u := SettingsUpdate{
		ConfidenceThreshold: raw.ConfidenceThreshold,
		ExcludedImages:      raw.ExcludedImages,
	}
	switch {
	case len(raw.ModelFile) == 0:
	case string(raw.ModelFile) == "null":
		u.ModelFile = String("")
	default:
		var name string
		if err := json.Unmarshal(raw.ModelFile, &name); err != nil {
			return SettingsUpdate{}, fmt.Errorf("%w: model_file must be a string or null", ErrValidation)
		}
		u.ModelFile = &name
	}
	if err := u.validate(); err != nil {
		return SettingsUpdate{}, err
	}
	return u, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// uniqueNames drops duplicates, keeping the first occurrence of each name.
func uniqueNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
