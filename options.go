package worklet

import (
	"go.uber.org/zap"

	"github.com/joeycumines/worklet/internal/host"
)

// Option configures a Bridge.
type Option func(*config)

type config struct {
	log      *zap.Logger
	hostOpts []host.Option
}

func newConfig(opts []Option) *config {
	cfg := &config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.hostOpts = append(cfg.hostOpts, host.WithLogger(cfg.log.Named("worklet")))
	return cfg
}

// WithLogger sets the logger for both sides of the bridge. The default
// discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(cfg *config) {
		if log != nil {
			cfg.log = log
		}
	}
}

// WithAllowlist restricts module surfaces to the named exported bindings.
// The default exposes everything a module assigns to exports.
func WithAllowlist(names ...string) Option {
	return func(cfg *config) {
		cfg.hostOpts = append(cfg.hostOpts, host.WithExposure(host.ExposeAllowlist(names...)))
	}
}

// WithOwnMembersOnly limits class surfaces to members declared directly on
// each class, excluding inherited ones. The default flattens the prototype
// chain into the descriptor.
func WithOwnMembersOnly() Option {
	return func(cfg *config) {
		cfg.hostOpts = append(cfg.hostOpts, host.WithMemberPolicy(host.OwnMembersOnly))
	}
}
