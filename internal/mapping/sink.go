package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Sink receives a finished mapping.
type Sink interface {
	Name() string
	SaveMapping(ctx context.Context, cache Cache) error
}

// Deliver hands cache to every sink. A failing sink does not stop the others
// and never touches the mapping file; the failures are joined.
func Deliver(ctx context.Context, cache Cache, logger logrus.FieldLogger, sinks ...Sink) error {
	var errs []error
	for _, sink := range sinks {
		log := logger.WithFields(logrus.Fields{"sink": sink.Name(), "entries": len(cache)})
		if err := sink.SaveMapping(ctx, cache); err != nil {
			log.WithError(err).Error("Failed to deliver mapping")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		log.Info("Mapping delivered")
	}
	return errors.Join(errs...)
}
