// Package model runs the detection and classification models as external
// processes. The models themselves live outside this module.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/fsutil"
)

var (
	// ErrNotConfigured is returned when no command is set.
	ErrNotConfigured = errors.New("model command not configured")
	// ErrNoOutput is returned when a command exits cleanly without producing its output.
	ErrNoOutput = errors.New("model produced no output")
)

// Command is an executable plus leading arguments.
type Command struct {
	Path string
	Args []string
}

func (c Command) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.Path == "" {
		return nil, ErrNotConfigured
	}
	cmd := exec.CommandContext(ctx, c.Path, append(append([]string{}, c.Args...), args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the pipes must not hold Run open after a kill
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(c.Path), err, msg)
	}
	return stdout.Bytes(), nil
}

// CommandDetector runs `<cmd> <args...> <image> <mask_out> <confidence> [<model_file>]`.
type CommandDetector struct {
	Command Command
}

// Detect writes the mask layer for imagePath to maskPath.
func (d *CommandDetector) Detect(ctx context.Context, imagePath, maskPath string, confidence float64, modelFile string) error {
	args := []string{imagePath, maskPath, strconv.FormatFloat(confidence, 'f', -1, 64)}
	if modelFile != "" {
		args = append(args, modelFile)
	}
	if _, err := d.Command.run(ctx, args...); err != nil {
		return err
	}
	if _, err := os.Stat(maskPath); err != nil {
		return fmt.Errorf("%w: %s", ErrNoOutput, filepath.Base(maskPath))
	}
	return nil
}

// CommandClassifier runs `<cmd> <args...> <card> <out>`. The process prints a
// JSON object with type, position and rotation as its last stdout line and may
// write a transformed card to out; otherwise the card is copied unchanged.
type CommandClassifier struct {
	Command Command
}

// Classify classifies cardPath and leaves the resulting card at outPath.
func (c *CommandClassifier) Classify(ctx context.Context, cardPath, outPath string) (cards.Classification, error) {
	stdout, err := c.Command.run(ctx, cardPath, outPath)
	if err != nil {
		return cards.Classification{}, err
	}
	result, err := parseClassification(stdout)
	if err != nil {
		return cards.Classification{}, fmt.Errorf("%s: %w", filepath.Base(cardPath), err)
	}
	result.Filename = filepath.Base(cardPath)

	if _, err := os.Stat(outPath); os.IsNotExist(err) {
		if err := fsutil.CopyFile(cardPath, outPath); err != nil {
			return cards.Classification{}, err
		}
	}
	return result, nil
}

func parseClassification(stdout []byte) (cards.Classification, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return cards.Classification{}, ErrNoOutput
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(last), &raw); err != nil {
		return cards.Classification{}, fmt.Errorf("parsing classifier output: %w", err)
	}
	field := func(k string) string {
		v, ok := raw[k]
		if !ok || v == nil {
			return ""
		}
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return fmt.Sprint(v)
	}
	out := cards.Classification{
		Type:     field("type"),
		Position: field("position"),
		Rotation: field("rotation"),
	}
	if out.Type == "" {
		return cards.Classification{}, fmt.Errorf("%w: missing type", ErrNoOutput)
	}
	return out, nil
}
