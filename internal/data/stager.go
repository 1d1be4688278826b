// Package data holds the stage-in/stage-out boundary of the pipeline. The
// actual transfer machinery (remote replicas, copytools) lives behind the
// Stager interface; the in-tree implementation only moves files between the
// local spool and the job workdir.
package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/droverhq/drover/internal/job"
)

// Stager transfers a job's input files into its workdir and its output files
// out again.
type Stager interface {
	StageIn(ctx context.Context, j *job.Job) error
	StageOut(ctx context.Context, j *job.Job) error
}

// LocalStager copies files between a spool directory and job workdirs,
// recording per-file transfer states as it goes.
type LocalStager struct {
	spool  string // input files live in <spool>/<name>
	export string // outputs land in <export>/<job id>/<name>
}

func NewLocalStager(spool, export string) *LocalStager {
	return &LocalStager{spool: spool, export: export}
}

func (s *LocalStager) StageIn(ctx context.Context, j *job.Job) error {
	states := NewFileStates(j.InputFiles)
	var errs []error
	for _, name := range j.InputFiles {
		_ = states.Update(name, TransferInProgress)
		src := filepath.Join(s.spool, name)
		dst := filepath.Join(j.WorkDir, name)
		if err := copyFile(src, dst); err != nil {
			_ = states.Update(name, TransferFailed)
			errs = append(errs, fmt.Errorf("stage-in of %s: %w", name, err))
			continue
		}
		_ = states.Update(name, Transferred)
		slog.DebugContext(ctx, "staged in", "lfn", name)
	}
	return errors.Join(errs...)
}

func (s *LocalStager) StageOut(ctx context.Context, j *job.Job) error {
	states := NewFileStates(j.OutputFiles)
	dir := filepath.Join(s.export, j.ID)
	if len(j.OutputFiles) > 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating export dir: %w", err)
		}
	}

	var errs []error
	for _, name := range j.OutputFiles {
		_ = states.Update(name, TransferInProgress)
		src := filepath.Join(j.WorkDir, name)
		dst := filepath.Join(dir, name)
		if err := copyFile(src, dst); err != nil {
			_ = states.Update(name, TransferFailed)
			errs = append(errs, fmt.Errorf("stage-out of %s: %w", name, err))
			continue
		}
		_ = states.Update(name, Transferred)
		slog.DebugContext(ctx, "staged out", "lfn", name)
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

var _ Stager = (*LocalStager)(nil)
