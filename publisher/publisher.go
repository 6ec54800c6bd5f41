// SPDX-License-Identifier: MIT

// Package publisher builds, optionally proof-of-work-stamps, signs,
// rate-limits and fan-out publishes events across the relay pool.
package publisher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/nostrium/orbit/cfg"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/relay"
)

type (
	Config struct {
		MinPublishInterval time.Duration `yaml:"minPublishInterval" mapstructure:"minPublishInterval"`
		MaxAttempts        int           `yaml:"maxAttempts" mapstructure:"maxAttempts"`
		BaseRetryDelay     time.Duration `yaml:"baseRetryDelay" mapstructure:"baseRetryDelay"`
		PowTimeout         time.Duration `yaml:"powTimeout" mapstructure:"powTimeout"`
		PowDifficulty      int           `yaml:"powDifficulty" mapstructure:"powDifficulty"`
	}

	// Options modify a single Publish call. The zero value is the
	// default behavior: rate-limited, no proof of work.
	Options struct {
		SkipRateLimit bool
		ProofOfWork   bool
		PowDifficulty int
	}

	Publisher struct {
		config     *Config
		pool       *relay.Pool
		gate       *RateGate
		privateKey string

		registry  metrics.Registry
		attempts  metrics.Counter
		successes metrics.Counter
		failures  metrics.Counter
	}
)

const (
	DefaultMinPublishInterval = 3 * time.Second

	defaultMaxAttempts    = 3
	defaultBaseRetryDelay = 500 * time.Millisecond
	defaultPowTimeout     = 20 * time.Second
	defaultPowDifficulty  = 8
)

var ErrAllRelaysFailed = errors.New("all relays rejected the event")

func DefaultConfig() *Config {
	config := cfg.MustGet[Config]()
	if config.MinPublishInterval <= 0 {
		config.MinPublishInterval = DefaultMinPublishInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.BaseRetryDelay <= 0 {
		config.BaseRetryDelay = defaultBaseRetryDelay
	}
	if config.PowTimeout <= 0 {
		config.PowTimeout = defaultPowTimeout
	}
	if config.PowDifficulty <= 0 {
		config.PowDifficulty = defaultPowDifficulty
	}

	return config
}

func New(pool *relay.Pool, gate *RateGate, privateKey string) *Publisher {
	registry := metrics.NewRegistry()

	return &Publisher{
		config:     DefaultConfig(),
		pool:       pool,
		gate:       gate,
		privateKey: privateKey,
		registry:   registry,
		attempts:   metrics.GetOrRegisterCounter("publishAttempts", registry),
		successes:  metrics.GetOrRegisterCounter("publishSuccesses", registry),
		failures:   metrics.GetOrRegisterCounter("publishFailures", registry),
	}
}

func (p *Publisher) Metrics() metrics.Registry {
	return p.registry
}

// Publish completes the template, signs it and fans it out to every
// pool member. The attempt succeeds when at least one member accepts
// the event; only an all-members failure triggers the retry loop.
// The rate gate is acquired once per Publish call, before attempt 0;
// retries do not re-acquire it.
func (p *Publisher) Publish(ctx context.Context, event *model.Event, opts Options) (*model.Event, error) {
	if event.CreatedAt == 0 {
		event.CreatedAt = model.Timestamp(time.Now().Unix())
	}
	if opts.ProofOfWork {
		difficulty := opts.PowDifficulty
		if difficulty <= 0 {
			difficulty = p.config.PowDifficulty
		}
		powCtx, cancel := context.WithTimeout(ctx, p.config.PowTimeout)
		if err := event.GenerateProofOfWork(powCtx, difficulty); err != nil {
			// Bounded mining: past the cap the event goes out
			// unstamped instead of looping forever.
			log.Printf("WARN: proof of work at difficulty %v did not complete, publishing unstamped: %v", difficulty, err)
		}
		cancel()
	}
	if err := event.SignWith(p.privateKey); err != nil {
		return nil, errors.Wrapf(err, "failed to sign event for publishing: %+v", event)
	}
	if !opts.SkipRateLimit {
		if err := p.gate.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.config.BaseRetryDelay << attempt
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()

				return nil, errors.Wrapf(ctx.Err(), "publish abandoned during retry backoff, attempt %v", attempt)
			case <-timer.C:
			}
		}
		p.attempts.Inc(1)
		if lastErr = p.fanOut(ctx, event); lastErr == nil {
			p.successes.Inc(1)

			return event, nil
		}
	}
	p.failures.Inc(1)

	return nil, errors.Wrapf(lastErr, "publish of event %v failed after %v attempts", event.ID, p.config.MaxAttempts)
}

// fanOut sends the signed event to every member concurrently.
// Per-member transport errors are tolerated as long as one member
// accepts.
func (p *Publisher) fanOut(ctx context.Context, event *model.Event) error {
	members := p.pool.Members()
	if len(members) == 0 {
		return relay.ErrNoMembers
	}

	var (
		resultMx  sync.Mutex
		accepted  int
		memberErr *multierror.Error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, url := range members {
		url := url
		eg.Go(func() error {
			err := p.publishToMember(egCtx, url, event)
			resultMx.Lock()
			if err != nil {
				memberErr = multierror.Append(memberErr, err)
			} else {
				accepted++
			}
			resultMx.Unlock()

			return nil
		})
	}
	_ = eg.Wait()
	if accepted == 0 {
		return errors.Wrapf(ErrAllRelaysFailed, "event %v: %v", event.ID, memberErr.ErrorOrNil())
	}

	return nil
}

func (p *Publisher) publishToMember(ctx context.Context, url string, event *model.Event) error {
	conn, err := p.pool.Conn(ctx, url)
	if err != nil {
		p.pool.ReportFailure(url)

		return err
	}
	if err = conn.Publish(ctx, event.Event); err != nil {
		p.pool.ReportFailure(url)

		return errors.Wrapf(err, "failed to publish event %v to relay %v", event.ID, url)
	}
	p.pool.ReportSuccess(url)

	return nil
}
