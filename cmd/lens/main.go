package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/config"
	"github.com/pypottery/lens/pkg/export"
	"github.com/pypottery/lens/pkg/logging"
	"github.com/pypottery/lens/pkg/model"
	"github.com/pypottery/lens/pkg/pdf"
	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/tui"
	"github.com/pypottery/lens/pkg/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by every command.
type app struct {
	cfgFile string
	root    string
	jsonOut bool
	noColor bool

	cfg   config.Config
	log   zerolog.Logger
	store *store.Store
	out   io.Writer
	err   io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "lens",
		Short: "Manage pottery illustration projects",
		Long: `lens keeps one workspace per publication: the source PDF, its page images,
the masks the detector draws, the cards cut from them and the exports built
from the cards. Run without arguments to open the project browser.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTUI()
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&a.root, "root", "", "projects root directory")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "JSON output")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.listCmd(),
		a.createCmd(),
		a.showCmd(),
		a.deleteCmd(),
		a.statusCmd(),
		a.syncCmd(),
		a.settingsCmd(),
		a.excludeCmd(),
		a.reviewCmd(),
		a.importPDFCmd(),
		a.applyModelCmd(),
		a.extractCardsCmd(),
		a.classifyCmd(),
		a.mergeCmd(),
		a.exportCmd(),
		a.serveCmd(),
		a.tuiCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.root != "" {
		cfg.ProjectsRoot = a.root
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()
	a.err = cmd.ErrOrStderr()

	if a.noColor {
		color.NoColor = true
	}
	a.log = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: a.err,
	})

	s, err := store.NewStore(cfg.ProjectsRoot, store.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.store = s
	return nil
}

// pipeline wires the configured collaborators. Model stages stay unavailable
// until their commands are configured.
func (a *app) pipeline() *workflow.Pipeline {
	opts := []workflow.Option{
		workflow.WithLogger(a.log),
		workflow.WithWorkers(a.cfg.Pipeline.Workers),
		workflow.WithModelsDir(a.cfg.Models.Dir),
		workflow.WithPDFExtractor(pdf.NewExtractor(a.log)),
		workflow.WithCardExtractor(cards.NewExtractor(a.cfg.Pipeline.MinRegionArea, a.log)),
		workflow.WithExporter(export.NewPackager(a.log)),
	}
	if c := a.cfg.Models.Detector; c.Command != "" {
		opts = append(opts, workflow.WithDetector(&model.CommandDetector{
			Command: model.Command{Path: c.Command, Args: c.Args},
		}))
	}
	if c := a.cfg.Models.Classifier; c.Command != "" {
		opts = append(opts, workflow.WithClassifier(&model.CommandClassifier{
			Command: model.Command{Path: c.Command, Args: c.Args},
		}))
	}
	return workflow.New(a.store, opts...)
}

func (a *app) runTUI() error {
	m := tui.NewModel(a.store, tui.WithPipeline(a.pipeline()))
	p := tea.NewProgram(m, tea.WithAltScreen())

	cleanup, err := tui.StartWatcher(a.store.Root, p)
	if err != nil {
		fmt.Fprintf(a.err, "Warning: file watcher failed: %v\n", err)
	} else {
		defer cleanup()
	}

	_, err = p.Run()
	return err
}

func (a *app) tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the project browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTUI()
		},
	}
}
