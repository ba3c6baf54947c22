package ops

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/probe"
)

// ProbeInput contains parameters for the Probe operation.
type ProbeInput struct {
	Provider string // required
	Model    string // required
	Endpoint string // optional, overrides the configured endpoint
	APIKey   string // optional, overrides the resolved key

	// WriteCache records the inferred capabilities in the probed layer.
	WriteCache bool
}

// ProbeOutput contains the result of the Probe operation.
type ProbeOutput struct {
	Report probe.Report                      `json:"report"`
	Entry  *capability.CachedCapabilityEntry `json:"entry,omitempty"`
}

// Probe runs the text, image and pdf probes against one model. A failed
// baseline returns the report together with a PROBE_FAILED error.
func Probe(ctx context.Context, deps Deps, input ProbeInput) (*ProbeOutput, error) {
	pair, err := validatePair(input.Provider, input.Model)
	if err != nil {
		return nil, err
	}
	t, err := deps.target(pair)
	if err != nil {
		return nil, err
	}
	if input.Endpoint != "" {
		t.Endpoint = strings.TrimSpace(input.Endpoint)
	}
	if input.APIKey != "" {
		t.APIKey = input.APIKey
	}

	rep := deps.Runner.Run(ctx, t)
	if ctx.Err() != nil {
		return nil, errors.NewCancelled("probe")
	}
	out := &ProbeOutput{Report: rep}
	if rep.Err != nil {
		return out, rep.Err
	}
	if input.WriteCache {
		entry := deps.Cache.Record(*rep.Capabilities)
		out.Entry = &entry
	}
	return out, nil
}

func (d Deps) target(pair ModelPair) (probe.Target, error) {
	if d.Runner == nil {
		return probe.Target{}, errors.NewInvalidRequest("probing is not configured")
	}
	if d.Targets == nil {
		return probe.Target{Provider: pair.Provider, Model: pair.Model}, nil
	}
	return d.Targets(pair.Provider, pair.Model)
}

// ProbeBatchInput contains parameters for the ProbeBatch operation.
type ProbeBatchInput struct {
	Pairs       []ModelPair // required, at most MaxBatchPairs
	WriteCache  bool
	Concurrency int // default 4
}

// ProbeRow summarizes one model of a batch.
type ProbeRow struct {
	Key          string                         `json:"key"`
	OK           bool                           `json:"ok"`
	Capabilities *capability.ProbedCapabilities `json:"capabilities,omitempty"`
	Error        string                         `json:"error,omitempty"`
	RunID        string                         `json:"run_id,omitempty"`
}

// ProbeBatchOutput contains the result of the ProbeBatch operation.
type ProbeBatchOutput struct {
	BatchID string         `json:"batch_id"`
	Rows    []ProbeRow     `json:"rows"`
	Reports []probe.Report `json:"reports"`
}

// ProbeBatch probes several models concurrently. One model failing never
// stops the others; rows come back in input order.
func ProbeBatch(ctx context.Context, deps Deps, input ProbeBatchInput) (*ProbeBatchOutput, error) {
	if len(input.Pairs) == 0 {
		return nil, errors.NewInvalidRequest("at least one provider:model is required")
	}
	if len(input.Pairs) > MaxBatchPairs {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("at most %d models per batch", MaxBatchPairs))
	}

	batchID, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	rows := make([]ProbeRow, len(input.Pairs))
	var targets []probe.Target
	var slots []int
	for i, p := range input.Pairs {
		pair, err := validatePair(p.Provider, p.Model)
		if err != nil {
			rows[i] = ProbeRow{Key: p.Key(), Error: err.Error()}
			continue
		}
		rows[i].Key = pair.Key()
		t, err := deps.target(pair)
		if err != nil {
			rows[i].Error = err.Error()
			continue
		}
		targets = append(targets, t)
		slots = append(slots, i)
	}

	reports := []probe.Report{}
	if len(targets) > 0 {
		reports = deps.Runner.Batch(ctx, targets, input.Concurrency)
	}
	if ctx.Err() != nil {
		return nil, errors.NewCancelled("probe batch")
	}

	ok := 0
	for j, rep := range reports {
		row := &rows[slots[j]]
		row.RunID = rep.RunID
		if rep.Err != nil {
			row.Error = rep.Err.Error()
			continue
		}
		row.OK = true
		ok++
		caps := *rep.Capabilities
		if input.WriteCache {
			caps = deps.Cache.Record(caps).Capabilities
		}
		row.Capabilities = &caps
	}

	deps.Logger.Info().
		Str("batch_id", batchID).
		Int("models", len(rows)).
		Int("ok", ok).
		Bool("write_cache", input.WriteCache).
		Msg("probe batch complete")

	return &ProbeBatchOutput{BatchID: batchID, Rows: rows, Reports: reports}, nil
}

// FormatRows writes the batch summary as an aligned table. Undetermined
// features print as "?".
func FormatRows(w io.Writer, rows []ProbeRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTATUS\tVISION\tPDF_NATIVE\tPDF_IMAGES\tBASE64\tIMAGES_FIRST\tQUIRKS")
	for _, r := range rows {
		if !r.OK {
			fmt.Fprintf(tw, "%s\tfailed\t-\t-\t-\t-\t-\t%s\n", r.Key, r.Error)
			continue
		}
		c := r.Capabilities
		vision := c.Determined(capability.FeatureVision)
		pdf := c.Determined(capability.FeaturePDF)
		quirks := strings.Join(c.Quirks, ",")
		if quirks == "" {
			quirks = "-"
		}
		fmt.Fprintf(tw, "%s\tok\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Key,
			flag(c.SupportsVision, vision),
			flag(c.SupportsPDFNative, pdf),
			flag(c.SupportsPDFAsImages, vision),
			flag(c.RequiresBase64Images, vision),
			flag(c.RequiresImagesFirst, vision),
			quirks,
		)
	}
	return tw.Flush()
}

func flag(v, determined bool) string {
	switch {
	case !determined:
		return "?"
	case v:
		return "yes"
	default:
		return "no"
	}
}
