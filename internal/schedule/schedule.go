// Package schedule runs a job once a day at a fixed hour.
package schedule

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Daily fires at Hour:00 in Location every day.
type Daily struct {
	Hour     int
	Location *time.Location
}

// NewDaily loads the named location, falling back to UTC when it is unknown.
func NewDaily(hour int, location string) Daily {
	loc, err := time.LoadLocation(location)
	if err != nil || location == "" {
		loc = time.UTC
	}
	return Daily{Hour: hour, Location: loc}
}

// Next returns the first run time strictly after now.
func (d Daily) Next(now time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}

	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, 0, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run calls job at every scheduled time until ctx is done. Job errors are
// logged and do not stop the schedule.
func (d Daily) Run(ctx context.Context, logger logrus.FieldLogger, job func(context.Context) error) error {
	for {
		next := d.Next(time.Now())
		logger.WithField("next_run", next.Format(time.RFC3339)).Info("Scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := job(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Scheduled run failed")
		}
	}
}
