package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func okMark() string { return green("✓") }

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeProjectTable(w io.Writer, projects []*store.Project) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTAGE\tIMAGES\tMASKS\tCARDS\tMODIFIED")
	for _, p := range projects {
		ws := p.WorkflowStatus
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			p.ID, p.Name, workflow.CurrentStage(ws),
			ws.ImagesExtracted, ws.MasksExtracted, ws.CardsExtracted,
			p.LastModified.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func writeProjectDetail(w io.Writer, p *store.Project) {
	fmt.Fprintf(w, "%s %s\n", bold(p.Name), faint("("+p.ID+")"))
	if p.Description != "" {
		fmt.Fprintf(w, "  %s\n", p.Description)
	}
	fmt.Fprintf(w, "  Stage:      %s\n", workflow.CurrentStage(p.WorkflowStatus))
	fmt.Fprintf(w, "  Created:    %s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Modified:   %s\n", p.LastModified.Format(time.RFC3339))

	model := "(none)"
	if p.Settings.ModelFile != nil {
		model = *p.Settings.ModelFile
	}
	fmt.Fprintf(w, "  Model:      %s\n", model)
	fmt.Fprintf(w, "  Confidence: %.2f\n", p.Settings.ConfidenceThreshold)
	if len(p.Settings.ExcludedImages) > 0 {
		fmt.Fprintf(w, "  Excluded:   %s\n", strings.Join(p.Settings.ExcludedImages, ", "))
	}
}

func writeStatus(w io.Writer, v stageView) {
	ws := v.Workflow
	fmt.Fprintf(w, "%s at stage %s\n", v.ProjectID, bold(v.Stage.String()))
	rows := []struct {
		label string
		value any
	}{
		{"PDF processed", ws.PDFProcessed},
		{"PDFs", ws.PDFCount},
		{"Images", ws.ImagesExtracted},
		{"Model applied", ws.ModelApplied},
		{"Masks", ws.MasksExtracted},
		{"Reviewed", len(ws.ReviewedImages)},
		{"Cards", ws.CardsExtracted},
		{"Classified", ws.CardsClassified},
		{"Merged", ws.AnnotationsMerged},
		{"Exports", ws.ExportsCreated},
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(tw, "  %s\t%v\n", r.label, r.value)
	}
	tw.Flush()

	ops := make([]string, len(v.AllowedOps))
	for i, op := range v.AllowedOps {
		ops[i] = string(op)
	}
	fmt.Fprintf(w, "Allowed: %s\n", yellow(strings.Join(ops, " ")))
}

// progress shows a spinner until a run reports its total, then a bar.
type progress struct {
	w       io.Writer
	desc    string
	spin    *spinner.Spinner
	bar     *progressbar.ProgressBar
	lastMax int
}

func newProgress(w io.Writer, desc string) *progress {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + desc
	s.Start()
	return &progress{w: w, desc: desc, spin: s}
}

func (p *progress) update(e workflow.Event) {
	if e.Total <= 0 {
		if e.Message != "" && p.spin != nil {
			p.spin.Suffix = " " + p.desc + ": " + e.Message
		}
		return
	}
	if p.spin != nil {
		p.spin.Stop()
		p.spin = nil
	}
	switch {
	case p.bar == nil:
		p.bar = p.newBar(e.Total)
	case e.Total != p.lastMax:
		p.bar.ChangeMax(e.Total)
	}
	p.lastMax = e.Total
	if e.Message != "" {
		p.bar.Describe(p.desc + " " + faint(e.Message))
	}
	_ = p.bar.Set(e.Current)
}

func (p *progress) newBar(total int) *progressbar.ProgressBar {
	w := p.w
	return progressbar.NewOptions(total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(p.desc),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// finish fills the bar on success and leaves it where it stopped otherwise.
func (p *progress) finish(ok bool) {
	if p.spin != nil {
		p.spin.Stop()
		p.spin = nil
	}
	if p.bar == nil {
		return
	}
	if ok {
		_ = p.bar.Finish()
		return
	}
	_ = p.bar.Exit()
	fmt.Fprint(p.w, "\n")
}
