package sink

import (
	"context"
	"errors"
	"strings"

	"github.com/INLOpen/relayhub/core"
)

// Multi records every reading to each of its sinks in order. A failing sink
// does not stop the remaining ones.
type Multi []core.Sink

func (m Multi) Record(ctx context.Context, r core.Reading) error {
	var (
		names []string
		errs  []error
	)
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil {
			var se *core.SinkError
			if errors.As(err, &se) {
				names = append(names, se.Sink)
			}
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &core.SinkError{Sink: strings.Join(names, ","), Err: errors.Join(errs...)}
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every reading. It is used when no sink is configured.
type Nop struct{}

func (Nop) Record(context.Context, core.Reading) error { return nil }
func (Nop) Close() error                               { return nil }

// Combine returns the cheapest sink equivalent to sinks.
func Combine(sinks ...core.Sink) core.Sink {
	switch len(sinks) {
	case 0:
		return Nop{}
	case 1:
		return sinks[0]
	default:
		return Multi(sinks)
	}
}
