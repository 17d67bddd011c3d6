package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/corpus"
	"github.com/signalnine/routebench/internal/docker"
	"github.com/signalnine/routebench/internal/planner"
	"github.com/signalnine/routebench/internal/result"
)

// TrialSpec is the serializable description of one trial, enough for an
// isolated worker to rebuild it.
type TrialSpec struct {
	RunID       string             `json:"run_id"`
	Label       string             `json:"label"`
	Trial       result.TrialConfig `json:"trial"`
	Planner     planner.Options    `json:"planner"`
	CorpusPath  string             `json:"corpus_path"`
	CorpusLimit int                `json:"corpus_limit,omitempty"`
}

// Launcher runs one trial in an execution context isolated from the caller
// and delivers its single summary.
type Launcher interface {
	Launch(ctx context.Context, spec *TrialSpec) (*result.Summary, error)
}

type trialOutcome struct {
	summary *result.Summary
	err     error
}

// InProcessLauncher runs the trial on its own goroutine against a corpus that
// was loaded once for the whole process. A panic in the worker is reported
// as ErrTrialCrashed instead of taking the process down.
type InProcessLauncher struct {
	Queries    []corpus.Query
	NewPlanner planner.Factory
	Logger     *zap.Logger
	Observer   Observer
}

func (l *InProcessLauncher) Launch(ctx context.Context, spec *TrialSpec) (*result.Summary, error) {
	done := make(chan trialOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- trialOutcome{err: fmt.Errorf("%w: %v", ErrTrialCrashed, r)}
			}
		}()
		s, err := RunTrial(ctx, &TrialOpts{
			RunID:      spec.RunID,
			Label:      spec.Label,
			Trial:      spec.Trial,
			Planner:    spec.Planner,
			NewPlanner: l.NewPlanner,
			Queries:    l.Queries,
			Logger:     l.Logger,
			Observer:   l.Observer,
		})
		done <- trialOutcome{summary: s, err: err}
	}()

	select {
	case out := <-done:
		return out.summary, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubprocessLauncher re-executes Binary with the worker command. The TrialSpec is
// written to the child's stdin and the summary read from its stdout; the
// child's logs go to Stderr.
type SubprocessLauncher struct {
	Binary string
	Args   []string
	Stderr io.Writer
	Logger *zap.Logger
}

func (l *SubprocessLauncher) Launch(ctx context.Context, spec *TrialSpec) (*result.Summary, error) {
	bin := l.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker binary: %w", err)
		}
		bin = exe
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshaling trial spec: %w", err)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: worker exited with code %d", ErrTrialCrashed, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("running worker: %w", err)
	}
	var s result.Summary
	if err := json.Unmarshal(stdout.Bytes(), &s); err != nil {
		return nil, fmt.Errorf("%w: decoding worker output: %v", ErrTrialCrashed, err)
	}
	return &s, nil
}

// ContainerLauncher runs the worker command inside a container. The TrialSpec and
// summary are exchanged through a bind-mounted directory.
type ContainerLauncher struct {
	Image   string
	Network string
	Timeout time.Duration
	Logger  *zap.Logger
}

const (
	containerTrialDir  = "/trial"
	containerCorpusDir = "/corpus"
)

func (l *ContainerLauncher) Launch(ctx context.Context, spec *TrialSpec) (*result.Summary, error) {
	exchange, err := os.MkdirTemp("", "routebench-trial-")
	if err != nil {
		return nil, fmt.Errorf("creating exchange dir: %w", err)
	}
	defer os.RemoveAll(exchange)

	corpusAbs, err := filepath.Abs(spec.CorpusPath)
	if err != nil {
		return nil, fmt.Errorf("resolving corpus path: %w", err)
	}
	inner := *spec
	inner.CorpusPath = filepath.Join(containerCorpusDir, filepath.Base(corpusAbs))
	payload, err := json.Marshal(&inner)
	if err != nil {
		return nil, fmt.Errorf("marshaling trial spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(exchange, "spec.json"), payload, 0o644); err != nil {
		return nil, fmt.Errorf("writing trial spec: %w", err)
	}

	res, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image: l.Image,
		Command: []string{"routebench", "worker",
			"--spec", containerTrialDir + "/spec.json",
			"--out", containerTrialDir + "/summary.json"},
		Mounts: []docker.Mount{
			{Source: exchange, Target: containerTrialDir},
			{Source: corpusAbs, Target: inner.CorpusPath, ReadOnly: true},
		},
		Labels:  map[string]string{"routebench.trial": spec.Label},
		Network: l.Network,
		Timeout: l.Timeout,
		UserID:  fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Logger:  l.Logger,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, fmt.Errorf("%w: container timed out after %s", ErrTrialCrashed, res.Duration)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: container exited with code %d", ErrTrialCrashed, res.ExitCode)
	}
	s, err := result.ReadSummary(filepath.Join(exchange, "summary.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrialCrashed, err)
	}
	return s, nil
}

// ServeWorker is the body of an isolated worker: it reads a TrialSpec from
// in, loads the corpus, runs the trial and writes the summary to out.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, newPlanner planner.Factory, logger *zap.Logger, obs Observer) error {
	var spec TrialSpec
	if err := json.NewDecoder(in).Decode(&spec); err != nil {
		return fmt.Errorf("decoding trial spec: %w", err)
	}
	queries, err := corpus.Load(spec.CorpusPath, spec.CorpusLimit)
	if err != nil {
		return err
	}
	s, err := RunTrial(ctx, &TrialOpts{
		RunID:      spec.RunID,
		Label:      spec.Label,
		Trial:      spec.Trial,
		Planner:    spec.Planner,
		NewPlanner: newPlanner,
		Queries:    queries,
		Logger:     logger,
		Observer:   obs,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
