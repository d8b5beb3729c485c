package sequencer

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/fiscal_backend/metrics"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/sirupsen/logrus"
)

// Key identifies one numbering stream.
type Key struct {
	IssuerId string
	Kind     models.DocumentKind
	Series   int
}

func (k Key) String() string {
	return fmt.Sprintf("fiscal:seq:%s:%s:%03d", k.IssuerId, k.Kind, k.Series)
}

// Counter is an atomic increment-and-get. Implementations must never return the
// same value twice for a key, across processes.
type Counter interface {
	IncrementAndGet(ctx context.Context, key Key) (int64, error)
}

type Sequencer struct {
	counter Counter
	logger  *logrus.Logger
}

func New(counter Counter, logger *logrus.Logger) *Sequencer {
	return &Sequencer{counter: counter, logger: logger}
}

// Next returns the next document number for (issuer, kind, series), starting at 1.
// Failures surface as SEQUENCING_UNAVAILABLE; no number is ever guessed locally.
func (s *Sequencer) Next(ctx context.Context, issuerId string, kind models.DocumentKind, series int) (int64, error) {
	key := Key{IssuerId: issuerId, Kind: kind, Series: series}
	n, err := s.counter.IncrementAndGet(ctx, key)
	if err != nil {
		metrics.SequencerFailures.Inc()
		s.logger.WithFields(logrus.Fields{
			"field":     "Sequencer",
			"issuer_id": issuerId,
			"kind":      kind,
			"series":    series,
		}).WithError(err).Error("counter increment failed")
		return 0, models.NewSequencingUnavailableError(err)
	}
	if n < 1 {
		return 0, models.NewSequencingUnavailableError(fmt.Errorf("counter %s returned %d", key, n))
	}
	if n > models.MaxDocumentNumber {
		return 0, models.NewPreconditionError("series %03d exhausted for %s", series, kind)
	}
	return n, nil
}
