// Package fetch is the job-admission boundary. Where jobs really come from
// (an upstream scheduler, a queue service) is outside this repo; the in-tree
// source reads job descriptions from a local spool directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/job"
)

// ErrNoJob is returned when the source has nothing to hand out right now.
var ErrNoJob = errors.New("no job available")

// Source hands out jobs ready for execution, one at a time.
type Source interface {
	Next(ctx context.Context) (*job.Job, error)
}

// Description is the on-disk YAML job description.
type Description struct {
	ID             string   `yaml:"id"`
	Transformation string   `yaml:"transformation"`
	Params         string   `yaml:"params"`
	IsHPO          bool     `yaml:"is_hpo"`
	Companion      string   `yaml:"companion"`
	InputFiles     []string `yaml:"input_files"`
	OutputFiles    []string `yaml:"output_files"`
}

// SpoolSource reads `*.yaml` job descriptions from a spool directory. A
// description is claimed by renaming it, so two agents sharing a spool never
// pick up the same job.
type SpoolSource struct {
	spool    string
	workBase string
}

func NewSpoolSource(spool, workBase string) *SpoolSource {
	return &SpoolSource{spool: spool, workBase: workBase}
}

func (s *SpoolSource) Next(_ context.Context) (*job.Job, error) {
	entries, err := os.ReadDir(s.spool)
	if err != nil {
		return nil, fmt.Errorf("reading spool: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		path := filepath.Join(s.spool, entry.Name())
		claimed := path + ".claimed"
		if err := os.Rename(path, claimed); err != nil {
			// somebody else got there first
			continue
		}

		raw, err := os.ReadFile(claimed)
		if err != nil {
			return nil, fmt.Errorf("reading job description: %w", err)
		}
		var desc Description
		if err := yaml.Unmarshal(raw, &desc); err != nil {
			return nil, fmt.Errorf("parsing job description %s: %w", entry.Name(), err)
		}

		id := desc.ID
		if id == "" {
			id = uuid.NewString()
		}

		j := job.New(id, filepath.Join(s.workBase, "job_"+id))
		j.Transformation = desc.Transformation
		j.Params = desc.Params
		j.IsHPO = desc.IsHPO
		j.Companion = desc.Companion
		j.InputFiles = desc.InputFiles
		j.OutputFiles = desc.OutputFiles
		return j, nil
	}

	return nil, ErrNoJob
}

var _ Source = (*SpoolSource)(nil)
