package directory

import "time"

// Option configures a backend.
type Option func(*backendOptions)

type backendOptions struct {
	testMode bool
	now      func() time.Time
}

// WithTestMode permits PurgeAll.
func WithTestMode(enabled bool) Option {
	return func(o *backendOptions) {
		o.testMode = enabled
	}
}

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *backendOptions) {
		o.now = now
	}
}

func buildOptions(opts []Option) backendOptions {
	o := backendOptions{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
