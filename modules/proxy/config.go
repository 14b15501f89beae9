package proxy

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultMaxRedirects   = 5
)

type Config struct {
	ConnectTimeout time.Duration `yaml:"connect-timeout,omitempty"` // bound on upstream dial + response headers
	MaxRedirects   int           `yaml:"max-redirects,omitempty"`   // redirect hops followed before giving up
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), defaultConnectTimeout,
		"Timeout for connecting to an upstream stream before answering 504.")
	f.IntVar(&cfg.MaxRedirects, util.PrefixConfig(prefix, "max-redirects"), defaultMaxRedirects,
		"Maximum number of upstream redirects to follow. Every redirect target is re-validated.")
}
