// SPDX-License-Identifier: MIT

// Package relay maintains the configured set of relay endpoints as
// logical members of a connected set. Membership means "eligible for
// fan-out"; transport-level liveness is not guaranteed and
// per-operation errors are handled at the call site. Partial
// availability is the normal case.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrium/orbit/cfg"
	"github.com/nostrium/orbit/database/kv"
)

type (
	Config struct {
		Endpoints              []string `yaml:"endpoints" mapstructure:"endpoints"`
		HealthFailureThreshold int      `yaml:"healthFailureThreshold" mapstructure:"healthFailureThreshold"`
	}

	Pool struct {
		config    *Config
		connector Connector
		durable   *kv.Store
		members   *xsync.MapOf[string, *member]
	}

	member struct {
		url string

		mx                  sync.Mutex
		conn                Conn
		consecutiveFailures int
		lastSeen            time.Time
	}

	// Health is a point-in-time snapshot of one member.
	Health struct {
		URL                 string
		Connected           bool
		ConsecutiveFailures int
		LastSeen            time.Time
	}
)

const (
	membershipStorageKey = "relaymembership"

	defaultHealthFailureThreshold = 3
)

var ErrNoMembers = errors.New("relay pool has no members")

// New seeds membership from the durable store, falling back to the
// configured endpoints on first run.
func New(ctx context.Context, connector Connector, durable *kv.Store) (*Pool, error) {
	config := cfg.MustGet[Config]()
	if config.HealthFailureThreshold <= 0 {
		config.HealthFailureThreshold = defaultHealthFailureThreshold
	}
	p := &Pool{
		config:    config,
		connector: connector,
		durable:   durable,
		members:   xsync.NewMapOf[string, *member](),
	}

	urls := config.Endpoints
	if raw, err := durable.Get(ctx, membershipStorageKey); err == nil {
		var stored []string
		if uErr := json.Unmarshal(raw, &stored); uErr != nil {
			log.Printf("WARN: corrupt relay membership record, falling back to configured endpoints: %v", uErr)
		} else {
			urls = stored
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, errors.Wrap(err, "failed to load relay membership")
	}
	for _, url := range urls {
		p.members.Store(url, &member{url: url})
	}
	if err := p.persistMembership(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Pool) Members() []string {
	urls := make([]string, 0, p.members.Size())
	p.members.Range(func(url string, _ *member) bool {
		urls = append(urls, url)

		return true
	})
	sort.Strings(urls)

	return urls
}

func (p *Pool) Add(ctx context.Context, url string) error {
	p.members.LoadOrStore(url, &member{url: url})

	return p.persistMembership(ctx)
}

// Remove detaches the member and closes its connection, which ends
// every live subscription stream against it.
func (p *Pool) Remove(ctx context.Context, url string) error {
	removed, found := p.members.LoadAndDelete(url)
	if found {
		removed.mx.Lock()
		if removed.conn != nil {
			if err := removed.conn.Close(); err != nil {
				log.Printf("WARN: failed to close connection to removed relay %v: %v", url, err)
			}
			removed.conn = nil
		}
		removed.mx.Unlock()
	}

	return p.persistMembership(ctx)
}

// Conn returns a live connection to the member, dialing lazily. A
// member that cannot be dialed stays a member; the error belongs to
// this operation only.
func (p *Pool) Conn(ctx context.Context, url string) (Conn, error) {
	m, found := p.members.Load(url)
	if !found {
		return nil, errors.Wrapf(ErrNoMembers, "relay %v is not a pool member", url)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := p.connector.Connect(ctx, url)
	if err != nil {
		m.consecutiveFailures++

		return nil, errors.Wrapf(err, "failed to connect to relay %v", url)
	}
	m.conn = conn
	m.consecutiveFailures = 0
	m.lastSeen = time.Now()

	return conn, nil
}

// ReportSuccess resets the member's failure counter after a
// successful operation against it.
func (p *Pool) ReportSuccess(url string) {
	if m, found := p.members.Load(url); found {
		m.mx.Lock()
		m.consecutiveFailures = 0
		m.lastSeen = time.Now()
		m.mx.Unlock()
	}
}

// ReportFailure bumps the failure counter; past the threshold the
// cached connection is dropped so the next operation redials.
func (p *Pool) ReportFailure(url string) {
	if m, found := p.members.Load(url); found {
		m.mx.Lock()
		m.consecutiveFailures++
		if m.consecutiveFailures >= p.config.HealthFailureThreshold && m.conn != nil {
			if err := m.conn.Close(); err != nil {
				log.Printf("WARN: failed to close unhealthy connection to relay %v: %v", url, err)
			}
			m.conn = nil
		}
		m.mx.Unlock()
	}
}

func (p *Pool) HealthSnapshot() []Health {
	snapshot := make([]Health, 0, p.members.Size())
	p.members.Range(func(url string, m *member) bool {
		m.mx.Lock()
		snapshot = append(snapshot, Health{
			URL:                 url,
			Connected:           m.conn != nil,
			ConsecutiveFailures: m.consecutiveFailures,
			LastSeen:            m.lastSeen,
		})
		m.mx.Unlock()

		return true
	})
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].URL < snapshot[j].URL })

	return snapshot
}

// Healthy returns the members whose consecutive-failure count is
// below the configured threshold, sorted by url.
func (p *Pool) Healthy() []string {
	healthy := make([]string, 0, p.members.Size())
	p.members.Range(func(url string, m *member) bool {
		m.mx.Lock()
		if m.consecutiveFailures < p.config.HealthFailureThreshold {
			healthy = append(healthy, url)
		}
		m.mx.Unlock()

		return true
	})
	sort.Strings(healthy)

	return healthy
}

func (p *Pool) Close() error {
	p.members.Range(func(url string, m *member) bool {
		m.mx.Lock()
		if m.conn != nil {
			if err := m.conn.Close(); err != nil {
				log.Printf("WARN: failed to close connection to relay %v: %v", url, err)
			}
			m.conn = nil
		}
		m.mx.Unlock()

		return true
	})

	return nil
}

func (p *Pool) persistMembership(ctx context.Context) error {
	serialized, err := json.Marshal(p.Members())
	if err != nil {
		return errors.Wrap(err, "failed to serialize relay membership")
	}

	return errors.Wrap(p.durable.Set(ctx, membershipStorageKey, serialized), "failed to persist relay membership")
}
