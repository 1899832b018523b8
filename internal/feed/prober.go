package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sor4chi/feed-worker/internal/model"
)

// ProbeTimeout bounds the subscribe-time validation fetch.
const ProbeTimeout = 2500 * time.Millisecond

// ProbeResult is the outcome of validating a candidate feed URL.
// When OK is false, Message carries a human-readable rejection reason.
type ProbeResult struct {
	OK      bool
	Format  model.Format
	Title   string
	Message string
}

// Prober validates candidate URLs at subscribe time. It is read-only
// and mutates no stored state.
type Prober struct {
	fetcher *Fetcher
	timeout time.Duration
}

// NewProber creates a Prober with the given HTTP client.
func NewProber(client HTTPClient) *Prober {
	return &Prober{
		fetcher: NewFetcher(client),
		timeout: ProbeTimeout,
	}
}

// Probe issues one bounded fetch of url and reports whether it is a
// usable feed. An empty-but-recognized feed is a valid target; only an
// unrecognized format is rejected.
func (p *Prober) Probe(ctx context.Context, url string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := p.fetcher.Fetch(ctx, url)
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return ProbeResult{Message: fmt.Sprintf("the server responded with HTTP %d", statusErr.Code)}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ProbeResult{Message: "the feed took too long to respond"}
	case err != nil:
		return ProbeResult{Message: "the feed could not be fetched"}
	}

	parsed, err := Parse(body)
	if err != nil {
		return ProbeResult{Message: "the document could not be parsed as a feed"}
	}
	if parsed.Format == model.FormatUnknown {
		return ProbeResult{Message: "the URL does not point to a recognized RSS, Atom, or RDF feed"}
	}

	return ProbeResult{OK: true, Format: parsed.Format, Title: parsed.Title}
}
