package remux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/observability"
	"github.com/jmylchreest/remux/internal/preflight"
)

// Job is one entry of a batch manifest.
type Job struct {
	Input  string `yaml:"input" json:"input"`
	Output string `yaml:"output" json:"output"`
	// Format overrides the session output format for this job.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// LoadManifest reads a YAML list of jobs.
func LoadManifest(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML list of jobs.
func ParseManifest(data []byte) ([]Job, error) {
	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(jobs) == 0 {
		return nil, errors.New("manifest has no jobs")
	}
	for i, job := range jobs {
		if job.Input == "" || job.Output == "" {
			return nil, fmt.Errorf("job %d: input and output are required", i)
		}
	}
	return jobs, nil
}

// BatchOptions configures a batch run.
type BatchOptions struct {
	Options

	// Concurrency bounds the number of sessions running at once.
	Concurrency int
	// FailFast cancels the remaining jobs after the first failure.
	FailFast bool
	// ProbeSize is the input pre-flight read size.
	ProbeSize int
}

// JobResult is the outcome of one job.
type JobResult struct {
	Job Job
	// SessionID matches the session_id attribute of the job's log records.
	SessionID string
	Stats     Stats
	Err       error
}

// RunBatch runs jobs concurrently. Results are returned in manifest order.
// The returned error joins every job failure; with FailFast it is the first
// failure and jobs that never started carry the cancellation error.
func RunBatch(ctx context.Context, reg *format.Registry, jobs []Job, opts BatchOptions) ([]JobResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		g    *errgroup.Group
		gctx = ctx
	)
	if opts.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(max(opts.Concurrency, 1))

	results := make([]JobResult, len(jobs))
	for i, job := range jobs {
		results[i].Job = job
		results[i].SessionID = uuid.New().String()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}

			jobOpts := opts.Options
			jobOpts.Logger = logger.With(slog.Int("job", i))
			if job.Format != "" {
				jobOpts.Format = job.Format
			}

			jctx := observability.ContextWithSessionID(gctx, results[i].SessionID)
			stats, err := runJob(jctx, reg, job, jobOpts, opts.ProbeSize)
			results[i].Stats = stats
			if err != nil {
				err = fmt.Errorf("job %d (%s): %w", i, job.Input, err)
				results[i].Err = err
				if opts.FailFast {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

func runJob(ctx context.Context, reg *format.Registry, job Job, opts Options, probeSize int) (Stats, error) {
	if err := preflight.CheckInput(job.Input, probeSize); err != nil {
		return Stats{}, err
	}
	if err := preflight.CheckOutput(job.Output); err != nil {
		return Stats{}, err
	}
	return Run(ctx, reg, job.Input, job.Output, opts)
}
