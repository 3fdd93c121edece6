package supervisor

import (
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/pocketoption/internal/region"
)

const (
	defaultAttemptsPerEndpoint = 2
	defaultInitialBackoff      = 500 * time.Millisecond
	defaultMaxBackoff          = 5 * time.Second
	defaultPassDelay           = 2 * time.Second
	defaultHandshakeTimeout    = 15 * time.Second
	defaultHeartbeatInterval   = 20 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultSendRate            = rate.Limit(20)
	defaultSendBurst           = 10

	outboundQueueSize = 64
)

// Config tunes endpoint selection and connection upkeep. Zero values take the
// defaults above.
type Config struct {
	// Demo selects the demo endpoint list.
	Demo bool
	// Preferred is a region name or ws(s) URL tried before the mode list.
	Preferred string
	// Endpoints replaces the mode list when set.
	Endpoints []string
	// Relay is used for every pass after the first.
	Relay *url.URL

	AttemptsPerEndpoint int
	// MaxPasses defaults to 1 without a relay and 2 with one.
	MaxPasses      int
	PassDelay      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	SendRate  rate.Limit
	SendBurst int

	// DisableReconnect turns an unexpected close into a terminal failure.
	DisableReconnect bool
}

func (c Config) withDefaults() Config {
	if c.AttemptsPerEndpoint <= 0 {
		c.AttemptsPerEndpoint = defaultAttemptsPerEndpoint
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = 1
		if c.Relay != nil {
			c.MaxPasses = 2
		}
	}
	if c.PassDelay < 0 {
		c.PassDelay = 0
	} else if c.PassDelay == 0 {
		c.PassDelay = defaultPassDelay
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendRate <= 0 {
		c.SendRate = defaultSendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = defaultSendBurst
	}
	return c
}

// Candidates returns the endpoint URLs in the order they are tried: the
// preferred endpoint, then the configured or mode list, without duplicates.
func (c Config) Candidates() []string {
	list := c.Endpoints
	if len(list) == 0 {
		if c.Demo {
			list = region.ListDemo()
		} else {
			list = region.ListReal()
		}
	}

	out := make([]string, 0, len(list)+1)
	seen := make(map[string]struct{}, len(list)+1)
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if c.Preferred != "" {
		if u, ok := region.Resolve(c.Preferred); ok {
			add(u)
		}
	}
	for _, u := range list {
		if resolved, ok := region.Resolve(u); ok {
			add(resolved)
		}
	}
	return out
}
