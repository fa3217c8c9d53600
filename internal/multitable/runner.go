package multitable

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"statevsql/internal/logging"
	"statevsql/internal/metrics"
	"statevsql/internal/storage"
	"statevsql/internal/trace"
)

// Runner wires a Pipeline to its inputs and sink and runs the engine.
type Runner struct {
	Logger *zap.Logger

	// RunID tags every log line of the run. NewDefaultRunner generates one.
	RunID string

	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)

	// NewObjects opens the object store for s3:// inputs. It is only called
	// when at least one input is an S3 URL.
	NewObjects func(ctx context.Context, cfg trace.S3Config) (trace.ObjectStore, error)
}

func NewDefaultRunner(logger *zap.Logger) *Runner {
	return &Runner{
		Logger: logger,
		RunID:  uuid.NewString(),
		NewRepository: func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
			return storage.NewMulti(ctx, cfg)
		},
		NewObjects: func(ctx context.Context, cfg trace.S3Config) (trace.ObjectStore, error) {
			return trace.NewS3Objects(ctx, cfg)
		},
	}
}

// Run resolves the inputs, opens the sink and converts. Missing inputs are
// reported and skipped; trace.ErrNoInput is returned when none is left.
func (r *Runner) Run(ctx context.Context, cfg Pipeline) (*Stats, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logging.OrNop(r.Logger)
	if r.RunID != "" {
		log = log.With(zap.String("run_id", r.RunID))
	}
	log = log.With(zap.String("job", cfg.Job))

	opener := &trace.Opener{Encoding: cfg.Encoding}
	if trace.HasS3Inputs(cfg.Inputs) {
		if r.NewObjects == nil {
			return nil, fmt.Errorf("s3 inputs given but no object store configured")
		}
		objs, err := r.NewObjects(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		opener.Objects = objs
	}

	var missing []trace.Diagnostic
	inputs, err := trace.ResolveInputs(ctx, opener, cfg.Inputs, func(d trace.Diagnostic) {
		log.Warn(d.String(), zap.String("kind", string(d.Kind)), zap.String("input", d.Input))
		metrics.IncCounter(metrics.DiagnosticsTotal, 1, metrics.Labels{"kind": string(d.Kind)})
		missing = append(missing, d)
	})
	if err != nil {
		return nil, err
	}

	if r.NewRepository == nil {
		return nil, fmt.Errorf("runner: NewRepository is required")
	}
	repo, err := r.NewRepository(ctx, storage.MultiConfig{
		Kind:   cfg.Storage.Kind,
		DSN:    os.ExpandEnv(cfg.Storage.DSN),
		Conn:   cfg.Storage.Conn,
		Update: cfg.Storage.Update,
	})
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	log.Debug("run start",
		zap.Strings("inputs", inputs),
		zap.String("storage", cfg.Storage.Kind),
		zap.String("ctx_table", cfg.ContextTable()),
		zap.String("ev_table", cfg.EventTable()),
		zap.Bool("update", cfg.Storage.Update),
	)

	engine := &Engine2Pass{Repo: repo, Logger: log}
	stats, err := engine.Run(ctx, cfg, &trace.Files{Names: inputs, Opener: opener})
	if stats != nil {
		for _, d := range missing {
			stats.Diagnostics[d.Kind]++
		}
	}
	return stats, err
}
