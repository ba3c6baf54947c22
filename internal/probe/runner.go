package probe

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
)

// TargetResolver fills in endpoint and credentials for provider/model.
type TargetResolver func(provider, model string) (Target, error)

// Recorder stores attempt history. The sqlite database implements it.
type Recorder interface {
	RecordProbe(ctx context.Context, runID string, r Result) error
}

// Report is the full outcome of probing one model.
type Report struct {
	RunID        string                         `json:"run_id"`
	Target       Target                         `json:"target"`
	Text         Result                         `json:"text"`
	Image        *Result                        `json:"image,omitempty"`
	PDF          *Result                        `json:"pdf,omitempty"`
	Capabilities *capability.ProbedCapabilities `json:"capabilities,omitempty"`
	Err          error                          `json:"-"`
}

// Runner probes text first, then image and pdf concurrently, and infers
// capabilities from the three results.
type Runner struct {
	client   *Client
	resolve  TargetResolver
	recorder Recorder
	log      zerolog.Logger
}

// NewRunner returns a runner. recorder may be nil.
func NewRunner(client *Client, resolve TargetResolver, recorder Recorder, logger zerolog.Logger) *Runner {
	return &Runner{client: client, resolve: resolve, recorder: recorder, log: logger}
}

// Probe implements capability.Prober.
func (r *Runner) Probe(ctx context.Context, provider, model string) (capability.ProbedCapabilities, error) {
	if r.resolve == nil {
		return capability.ProbedCapabilities{}, errors.NewInvalidRequest("no credential resolver configured")
	}
	t, err := r.resolve(provider, model)
	if err != nil {
		return capability.ProbedCapabilities{}, err
	}
	rep := r.Run(ctx, t)
	if rep.Err != nil {
		return capability.ProbedCapabilities{}, rep.Err
	}
	return *rep.Capabilities, nil
}

// Run probes t and returns the report. A failed baseline skips the media probes.
func (r *Runner) Run(ctx context.Context, t Target) Report {
	rep := Report{RunID: ulid.Make().String(), Target: t}
	if t.Endpoint == "" {
		rep.Err = errors.NewInvalidRequest("no endpoint configured for provider " + t.Provider)
		return rep
	}

	rep.Text = r.client.Probe(ctx, t, KindText)
	r.record(ctx, rep.RunID, rep.Text)
	if !rep.Text.Success {
		_, rep.Err = Infer(rep.Text, nil, nil)
		r.log.Warn().Str("key", t.Key()).Str("signature", string(rep.Text.Signature)).Msg("baseline probe failed")
		return rep
	}

	var image, pdf Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		image = r.client.Probe(gctx, t, KindImage)
		return nil
	})
	g.Go(func() error {
		pdf = r.client.Probe(gctx, t, KindPDF)
		return nil
	})
	_ = g.Wait()
	r.record(ctx, rep.RunID, image)
	r.record(ctx, rep.RunID, pdf)
	rep.Image, rep.PDF = &image, &pdf

	caps, err := Infer(rep.Text, rep.Image, rep.PDF)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Capabilities = &caps
	r.log.Info().
		Str("key", t.Key()).
		Bool("vision", caps.SupportsVision).
		Bool("pdf_native", caps.SupportsPDFNative).
		Strs("quirks", caps.Quirks).
		Msg("probe complete")
	return rep
}

func (r *Runner) record(ctx context.Context, runID string, res Result) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordProbe(context.WithoutCancel(ctx), runID, res); err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Msg("failed to record probe history")
	}
}

// Batch probes every target with at most concurrency models in flight.
// Reports come back in input order.
func (r *Runner) Batch(ctx context.Context, targets []Target, concurrency int) []Report {
	if concurrency <= 0 {
		concurrency = 4
	}
	reports := make([]Report, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, t := range targets {
		g.Go(func() error {
			reports[i] = r.Run(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}
