package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

// get loads a project or fails with a not-found error.
func (a *app) get(id string) (*store.Project, error) {
	p, ok, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return p, nil
}

// changed reports a mutation result and prints the updated project.
func (a *app) changed(id string, ok bool, err error, what string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project not found: %s", id)
	}
	p, err := a.get(id)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return outputJSON(a.out, p)
	}
	fmt.Fprintf(a.out, "%s %s: %s\n", okMark(), p.ID, what)
	return nil
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := a.store.List()
			if err != nil {
				return err
			}
			if a.jsonOut {
				if projects == nil {
					projects = []*store.Project{}
				}
				return outputJSON(a.out, projects)
			}
			if len(projects) == 0 {
				fmt.Fprintf(a.out, "No projects in %s\n", a.store.Root)
				return nil
			}
			return writeProjectTable(a.out, projects)
		},
	}
}

func (a *app) createCmd() *cobra.Command {
	var description, icon string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.store.Create(args[0], description, icon)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return outputJSON(a.out, p)
			}
			fmt.Fprintf(a.out, "%s created %s\n", okMark(), p.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "project description")
	cmd.Flags().StringVar(&icon, "icon", "", "icon file name")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.get(args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return outputJSON(a.out, p)
			}
			writeProjectDetail(a.out, p)
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <project>",
		Aliases: []string{"rm"},
		Short:   "Delete a project and all of its files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.store.Delete(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("project not found: %s", args[0])
			}
			if a.jsonOut {
				return outputJSON(a.out, map[string]any{"project_id": args[0], "deleted": true})
			}
			fmt.Fprintf(a.out, "%s deleted %s\n", okMark(), args[0])
			return nil
		},
	}
}

type stageView struct {
	ProjectID  string               `json:"project_id"`
	Stage      workflow.Stage       `json:"stage"`
	AllowedOps []workflow.Op        `json:"allowed_ops"`
	Workflow   store.WorkflowStatus `json:"workflow_status"`
}

func (a *app) statusCmd() *cobra.Command {
	var patch string
	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Show or patch the workflow ledger",
		Long: `Show the current stage and the operations it allows. With --set, apply a
JSON patch of workflow fields, for example:

  lens status site_a_1 --set '{"pdf_processed": true, "pdf_count": 1}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if patch != "" {
				u, err := store.DecodeWorkflowUpdate(strings.NewReader(patch))
				if err != nil {
					return err
				}
				ok, err := a.store.UpdateWorkflowStatus(id, u)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("project not found: %s", id)
				}
			}
			p, err := a.get(id)
			if err != nil {
				return err
			}
			stage := workflow.CurrentStage(p.WorkflowStatus)
			v := stageView{
				ProjectID:  p.ID,
				Stage:      stage,
				AllowedOps: allowedOps(stage),
				Workflow:   p.WorkflowStatus,
			}
			if a.jsonOut {
				return outputJSON(a.out, v)
			}
			writeStatus(a.out, v)
			return nil
		},
	}
	cmd.Flags().StringVar(&patch, "set", "", "JSON object of workflow fields to update")
	return cmd
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <project>",
		Short: "Recount project folders into the workflow ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.store.SyncWorkflowStatus(args[0], store.WorkflowUpdate{})
			return a.changed(args[0], ok, err, "workflow synced")
		},
	}
}

func (a *app) settingsCmd() *cobra.Command {
	var (
		model      string
		clearModel bool
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "settings <project>",
		Short: "Update project settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u store.SettingsUpdate
			switch {
			case clearModel:
				u.ModelFile = store.String("")
			case cmd.Flags().Changed("model"):
				u.ModelFile = store.String(model)
			}
			if cmd.Flags().Changed("confidence") {
				u.ConfidenceThreshold = store.Float(confidence)
			}
			ok, err := a.store.UpdateSettings(args[0], u)
			return a.changed(args[0], ok, err, "settings updated")
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "detection model file")
	cmd.Flags().BoolVar(&clearModel, "clear-model", false, "unset the detection model")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "detection confidence threshold (0-1)")
	cmd.MarkFlagsMutuallyExclusive("model", "clear-model")
	return cmd
}

func (a *app) excludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exclude <project> [image...]",
		Short: "Replace the set of images skipped by the detector",
		Long:  "Replace the exclusion set. Run with no images to clear it.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args[1:]
			if names == nil {
				names = []string{}
			}
			ok, err := a.store.SetExcludedImages(args[0], names)
			return a.changed(args[0], ok, err, "exclusion set replaced")
		},
	}
}

func (a *app) reviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <project> <image>",
		Short: "Mark a page image as reviewed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.store.MarkReviewed(args[0], args[1])
			return a.changed(args[0], ok, err, args[1]+" reviewed")
		},
	}
}

func allowedOps(stage workflow.Stage) []workflow.Op {
	ops := []workflow.Op{}
	for _, op := range workflow.Ops {
		if workflow.CheckTransition(stage, op) == nil {
			ops = append(ops, op)
		}
	}
	return ops
}
