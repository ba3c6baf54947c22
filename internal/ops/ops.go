// Package ops implements the operations shared by the CLI and the MCP server.
package ops

import (
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/config"
	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/probe"
)

// Pagination limits
const (
	DefaultListLimit    = 20
	MaxListLimit        = 100
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	MaxBatchPairs       = 50
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Deps are the long-lived components operations run against. They are
// built once at startup and shared.
type Deps struct {
	Config *config.Config
	Cache  *capability.Cache

	// Runner probes models. Nil disables probing.
	Runner *probe.Runner

	// Targets fills in endpoint and credentials for explicit probes.
	Targets probe.TargetResolver

	// DB holds probe history. Nil disables history queries.
	DB *sql.DB

	Logger zerolog.Logger

	// Now is the clock for normalization timestamps (default time.Now).
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewTargetResolver resolves probe targets from provider settings and
// credentials in cfg. Keys are looked up in the environment, then in
// baseDir/keys.env.
func NewTargetResolver(cfg *config.Config, baseDir string) probe.TargetResolver {
	return func(provider, model string) (probe.Target, error) {
		provider = capability.NormalizeProvider(provider)
		creds, err := cfg.ResolveCredentials(baseDir, provider)
		if err != nil {
			return probe.Target{}, errors.NewInternal(err)
		}
		return probe.Target{
			Provider: provider,
			Model:    strings.TrimSpace(model),
			Endpoint: creds.Endpoint,
			APIKey:   creds.APIKey,
			ImageURL: cfg.ProbeImageURL,
			PDFURL:   cfg.ProbePDFURL,
		}, nil
	}
}

// ModelPair names one model.
type ModelPair struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Key returns the capability cache key.
func (p ModelPair) Key() string { return capability.Key(p.Provider, p.Model) }

// ParsePair parses "provider:model". The model may itself contain colons.
func ParsePair(s string) (ModelPair, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ModelPair{}, errors.NewInvalidRequest("model must be written provider:model, got " + s)
	}
	return validatePair(provider, model)
}

// validatePair trims and normalizes a provider/model pair.
func validatePair(provider, model string) (ModelPair, error) {
	p := ModelPair{Provider: capability.NormalizeProvider(provider), Model: strings.TrimSpace(model)}
	if p.Provider == "" {
		return ModelPair{}, errors.NewInvalidRequest("provider is required")
	}
	if p.Model == "" {
		return ModelPair{}, errors.NewInvalidRequest("model is required")
	}
	return p, nil
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
