package metrics

import (
	"context"
	"time"

	"github.com/markethub/relay/internal/relay"
)

// InstrumentHandler wraps a relay handler with job counters and a
// duration histogram. The wrapped handler's error is passed through
// untouched.
func InstrumentHandler(m *Metrics, next relay.Handler) relay.Handler {
	return relay.HandlerFunc(func(ctx context.Context, event relay.Event) error {
		start := time.Now()
		err := next.Handle(ctx, event)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			m.ObserveJob(event.Topic, OutcomeSuccess, elapsed)
		case relay.IsPermanent(err):
			m.ObserveJob(event.Topic, OutcomeDeadLetter, elapsed)
		default:
			m.ObserveJob(event.Topic, OutcomeRetry, elapsed)
		}
		return err
	})
}
