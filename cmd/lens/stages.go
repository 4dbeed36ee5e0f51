package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

// runOp starts op in the background and follows its events until it ends.
// Interrupting the command cancels the run.
func (a *app) runOp(ctx context.Context, op workflow.Op, req workflow.Request) error {
	pipe := a.pipeline()
	run, err := pipe.Start(ctx, op, req)
	if err != nil {
		return err
	}
	defer pipe.Wait()

	var bar *progress
	if !a.jsonOut {
		bar = newProgress(a.err, string(op))
	}
	var last workflow.Event
	for e := range run.Events() {
		last = e
		if bar != nil && !e.Done {
			bar.update(e)
		}
	}
	if bar != nil {
		bar.finish(last.Err == "")
	}

	res, err := run.Wait()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if a.jsonOut {
		return outputJSON(a.out, res)
	}
	fmt.Fprintf(a.out, "%s %s\n", okMark(), res.Message)
	if res.Path != "" {
		fmt.Fprintf(a.out, "  %s\n", res.Path)
	}
	return nil
}

func (a *app) importPDFCmd() *cobra.Command {
	var split bool
	cmd := &cobra.Command{
		Use:   "import-pdf <project> <file.pdf>",
		Short: "Copy a PDF into the project and extract its page images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.EqualFold(filepath.Ext(args[1]), ".pdf") {
				return fmt.Errorf("not a PDF: %s", args[1])
			}
			return a.runOp(cmd.Context(), workflow.OpImportPDF, workflow.Request{
				ProjectID:  args[0],
				PDFPath:    args[1],
				SplitPages: split,
			})
		},
	}
	cmd.Flags().BoolVar(&split, "split", false, "split two-page spreads into single pages")
	return cmd
}

func (a *app) applyModelCmd() *cobra.Command {
	var (
		model      string
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "apply-model <project>",
		Short: "Run the detector over page images to produce masks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.Request{ProjectID: args[0]}
			if cmd.Flags().Changed("model") {
				req.ModelFile = store.String(model)
			}
			if cmd.Flags().Changed("confidence") {
				req.Confidence = store.Float(confidence)
			}
			return a.runOp(cmd.Context(), workflow.OpApplyModel, req)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model file, defaults to the project setting")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence threshold, defaults to the project setting")
	return cmd
}

// simpleOpCmd builds a command for an operation that takes only a project.
func (a *app) simpleOpCmd(use, short string, op workflow.Op) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOp(cmd.Context(), op, workflow.Request{ProjectID: args[0]})
		},
	}
}

func (a *app) extractCardsCmd() *cobra.Command {
	return a.simpleOpCmd("extract-cards", "Cut a card for every mask region", workflow.OpExtractCards)
}

func (a *app) classifyCmd() *cobra.Command {
	return a.simpleOpCmd("classify", "Classify cards by type and orientation", workflow.OpClassify)
}

func (a *app) mergeCmd() *cobra.Command {
	return a.simpleOpCmd("merge", "Merge manual card edits into the card table", workflow.OpMerge)
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <project> <acronym>",
		Short: "Package cards and their metadata into a zip archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOp(cmd.Context(), workflow.OpExport, workflow.Request{
				ProjectID: args[0],
				Acronym:   args[1],
			})
		},
	}
}
