package relay

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 15 * time.Second
	defaultSubscriberBuffer  = 16
)

type Config struct {
	ConnectTimeout    time.Duration `yaml:"connect-timeout,omitempty"`    // bound on upstream dial + response headers
	KeepaliveInterval time.Duration `yaml:"keepalive-interval,omitempty"` // idle keepalive period on SSE responses
	SubscriberBuffer  int           `yaml:"subscriber-buffer,omitempty"`  // events buffered per subscriber before dropping
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), defaultConnectTimeout,
		"Timeout for establishing an upstream metadata connection.")
	f.DurationVar(&cfg.KeepaliveInterval, util.PrefixConfig(prefix, "keepalive-interval"), defaultKeepaliveInterval,
		"Interval between keepalive events on idle metadata streams.")
	f.IntVar(&cfg.SubscriberBuffer, util.PrefixConfig(prefix, "subscriber-buffer"), defaultSubscriberBuffer,
		"Events buffered per subscriber. A subscriber that falls further behind misses events.")
}
