package probe

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds each probe attempt.
	DefaultTimeout = 15 * time.Second

	// DefaultRetries is the number of alternate-variant attempts after the first.
	DefaultRetries = 2

	maxBodyBytes = 64 << 10
	excerptLen   = 200
	errorLen     = 500
)

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    *int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Client issues probe requests. It writes nothing; recording results is the
// caller's job.
type Client struct {
	http    *http.Client
	timeout time.Duration
	retries int
	log     zerolog.Logger
	now     func() time.Time
}

// NewClient returns a Client with defaults applied.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		retries: DefaultRetries,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if opts.Retries != nil {
		c.retries = min(max(*opts.Retries, 0), DefaultRetries)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Probe runs one probe kind against t, retrying with alternate variants when
// the provider names a format problem.
func (c *Client) Probe(ctx context.Context, t Target, kind Kind) Result {
	adapter := AdapterFor(t.Provider)
	canURL := t.mediaURL(kind) != ""
	initial := newVariant(!canURL, false)
	m := NewMachine(initial, c.retries, canURL)

	res := Result{Provider: t.Provider, Model: t.Model, Kind: kind, StartedAt: c.now()}
	for {
		v, ok := m.Next()
		if !ok {
			break
		}
		a := c.attempt(ctx, adapter, t, kind, v)
		c.log.Debug().
			Str("key", t.Key()).
			Str("kind", string(kind)).
			Str("variant", v.Name).
			Str("outcome", string(a.Outcome)).
			Str("signature", string(a.Signature)).
			Int("status", a.Status).
			Dur("latency", a.Latency).
			Msg("probe attempt")
		m.Observe(a)
		res.Latency += a.Latency
	}

	res.Attempts = m.Attempts()
	res.Outcome = m.Outcome()
	res.Success = res.Outcome == OutcomeSuccess
	if n := len(res.Attempts); n > 0 {
		last := res.Attempts[n-1]
		res.Variant = last.Variant
		res.Signature = last.Signature
		res.ResponseExcerpt = last.Excerpt
		res.ErrorCode = last.Code
		res.ErrorMessage = last.Message
	}
	return res
}

func (c *Client) attempt(ctx context.Context, adapter Adapter, t Target, kind Kind, v Variant) Attempt {
	a := Attempt{Variant: v}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := adapter.BuildProbeRequest(ctx, t, kind, v)
	if err != nil {
		a.Outcome, a.Signature, a.Message = OutcomeInconclusive, SigTransport, err.Error()
		return a
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		a.Latency = c.now().Sub(start)
		a.Outcome, a.Signature = Classify(0, Response{}, err)
		a.Message = excerpt(err.Error(), errorLen)
		return a
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	a.Latency = c.now().Sub(start)
	a.Status = resp.StatusCode
	if err != nil {
		a.Outcome, a.Signature = Classify(0, Response{}, err)
		a.Message = excerpt(err.Error(), errorLen)
		return a
	}

	parsed := adapter.ParseProbeResponse(resp.StatusCode, body)
	a.Outcome, a.Signature = Classify(resp.StatusCode, parsed, nil)
	a.Excerpt = excerpt(parsed.Text, excerptLen)
	a.Code = parsed.ErrorCode
	if a.Code == "" && resp.StatusCode >= 300 {
		a.Code = strconv.Itoa(resp.StatusCode)
	}
	a.Message = excerpt(parsed.ErrorMessage, errorLen)
	return a
}
