package ragicsync

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Syncer.
type Option interface {
	apply(*Syncer) error
}

type optionFunc func(*Syncer) error

func (f optionFunc) apply(s *Syncer) error {
	return f(s)
}

// WithPrettyLogging configures the Syncer to print human friendly logs.
func WithPrettyLogging() Option {
	return optionFunc(func(s *Syncer) error {
		s.prettyLogging = true
		return nil
	})
}

// WithLogLevel sets the minimum log level.
func WithLogLevel(level zerolog.Level) Option {
	return optionFunc(func(s *Syncer) error {
		s.logLevel = level
		return nil
	})
}

// WithNotifier replaces the default notifier.
func WithNotifier(n Notifier) Option {
	return optionFunc(func(s *Syncer) error {
		s.notifier = n
		return nil
	})
}

// withSource replaces the source client. Used by tests.
func withSource(src source) Option {
	return optionFunc(func(s *Syncer) error {
		s.source = src
		return nil
	})
}

// withWarehouse replaces the warehouse client. Used by tests.
func withWarehouse(wh warehouse) Option {
	return optionFunc(func(s *Syncer) error {
		s.wh = wh
		return nil
	})
}

// withMappingStore replaces the dynamic mapping store. Used by tests.
func withMappingStore(store mappingStore) Option {
	return optionFunc(func(s *Syncer) error {
		s.store = store
		return nil
	})
}

// withClock replaces the time source. Used by tests.
func withClock(now func() time.Time) Option {
	return optionFunc(func(s *Syncer) error {
		s.now = now
		return nil
	})
}
