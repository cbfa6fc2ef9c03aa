package docservice

import (
	"math"
	"strconv"
	"strings"
	"time"
)

type BackoffOptions struct {
	Retries    int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// HTTPStatus lists retryable statuses, e.g. "429,500-599".
	HTTPStatus string
}

func (o BackoffOptions) withDefaults() BackoffOptions {
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Factor <= 0 {
		o.Factor = 2
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = time.Second
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 24 * time.Hour
	}
	if strings.TrimSpace(o.HTTPStatus) == "" {
		o.HTTPStatus = "429,500-599"
	}
	return o
}

type statusRange struct {
	lo, hi int
}

type backoffPolicy struct {
	opts   BackoffOptions
	ranges []statusRange
}

func newBackoffPolicy(opts BackoffOptions) backoffPolicy {
	opts = opts.withDefaults()
	return backoffPolicy{opts: opts, ranges: parseStatusRanges(opts.HTTPStatus)}
}

// Delay is min(MinTimeout * Factor^attempt, MaxTimeout).
func (p backoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.opts.MinTimeout) * math.Pow(p.opts.Factor, float64(attempt))
	if delay >= float64(p.opts.MaxTimeout) || math.IsInf(delay, 0) {
		return p.opts.MaxTimeout
	}
	return time.Duration(delay)
}

// Retryable reports whether a failed request with statusCode may be retried.
// A zero statusCode means the request never got an answer.
func (p backoffPolicy) Retryable(statusCode, attempt int) bool {
	if attempt >= p.opts.Retries {
		return false
	}
	if statusCode == 0 {
		return true
	}
	for _, r := range p.ranges {
		if statusCode >= r.lo && statusCode <= r.hi {
			return true
		}
	}
	return false
}

func parseStatusRanges(raw string) []statusRange {
	var out []statusRange
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			continue
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				continue
			}
		}
		if b < a {
			a, b = b, a
		}
		out = append(out, statusRange{lo: a, hi: b})
	}
	return out
}
