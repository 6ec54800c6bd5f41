// SPDX-License-Identifier: MIT

package cache

import (
	"time"
)

type (
	Config struct {
		DebounceFlushInterval time.Duration             `yaml:"debounceFlushInterval" mapstructure:"debounceFlushInterval"`
		SweepInterval         time.Duration             `yaml:"sweepInterval" mapstructure:"sweepInterval"`
		Categories            map[Category]PolicyConfig `yaml:"categories" mapstructure:"categories"`
	}
	PolicyConfig struct {
		TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
		MaxItems int           `yaml:"maxItems" mapstructure:"maxItems"`
	}
)

const (
	defaultDebounceFlushInterval = 100 * time.Millisecond
	defaultSweepInterval         = 24 * time.Hour
)

// Per-category defaults: TTL, and for list-shaped values the maximum
// retained item count (older items trimmed on write).
var defaultPolicies = map[Category]PolicyConfig{
	CategoryProfile:        {TTL: 30 * time.Minute},
	CategoryPost:           {TTL: 10 * time.Minute},
	CategoryFeed:           {TTL: 5 * time.Minute, MaxItems: 300},
	CategoryFollowing:      {TTL: time.Hour, MaxItems: 2000},
	CategoryFollowers:      {TTL: time.Hour, MaxItems: 2000},
	CategoryInteraction:    {TTL: 5 * time.Minute, MaxItems: 500},
	CategoryPrivateMessage: {TTL: 24 * time.Hour, MaxItems: 500},
	CategoryConversation:   {TTL: 24 * time.Hour, MaxItems: 200},
	CategoryGroup:          {TTL: time.Hour},
	CategoryGroupMember:    {TTL: time.Hour, MaxItems: 1000},
	CategoryReadTimestamp:  {TTL: 30 * 24 * time.Hour},
	CategoryInvitation:     {TTL: 7 * 24 * time.Hour},
}

func (c *Config) withDefaults() *Config {
	resolved := &Config{
		DebounceFlushInterval: c.DebounceFlushInterval,
		SweepInterval:         c.SweepInterval,
		Categories:            make(map[Category]PolicyConfig, len(defaultPolicies)),
	}
	if resolved.DebounceFlushInterval <= 0 {
		resolved.DebounceFlushInterval = defaultDebounceFlushInterval
	}
	if resolved.SweepInterval <= 0 {
		resolved.SweepInterval = defaultSweepInterval
	}
	for category, policy := range defaultPolicies {
		resolved.Categories[category] = policy
	}
	for category, policy := range c.Categories {
		merged := resolved.Categories[category]
		if policy.TTL > 0 {
			merged.TTL = policy.TTL
		}
		if policy.MaxItems > 0 {
			merged.MaxItems = policy.MaxItems
		}
		resolved.Categories[category] = merged
	}

	return resolved
}

func (c *Config) policy(category Category) PolicyConfig {
	if policy, found := c.Categories[category]; found {
		return policy
	}

	return PolicyConfig{TTL: 10 * time.Minute}
}
