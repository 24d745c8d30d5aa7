// Package checkpoint persists the progress of a mapping build so that an
// interrupted run can continue where it stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/navid-fn/coinmap/pkg/atomicfile"
)

// DefaultExpiry is the age after which a checkpoint is ignored.
const DefaultExpiry = 24 * time.Hour

// Status is the lifecycle state recorded in a checkpoint.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusInProgress || s == StatusCompleted
}

var (
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	ErrExpiredCheckpoint = errors.New("expired checkpoint")
)

// Record is the on-disk snapshot of one mapping build.
type Record struct {
	Status              Status    `json:"status"`
	TotalCoins          int       `json:"total_coins"`
	ProcessedCoins      int       `json:"processed_coins"`
	LastProcessedIndex  int       `json:"last_processed_index"`
	ProcessedCoinIDs    []string  `json:"processed_coin_ids"`
	FailedCoinIDs       []string  `json:"failed_coin_ids"`
	StartTime           time.Time `json:"start_time"`
	LastCheckpointTime  time.Time `json:"last_checkpoint_time"`
	CheckpointFrequency int       `json:"checkpoint_frequency"`
	MappingFile         string    `json:"mapping_file"`
	PartialMappingCount int       `json:"partial_mapping_count"`

	// missing lists required keys absent from the decoded file.
	missing []string
}

// requiredFields must be present in a checkpoint file for it to be usable.
var requiredFields = []string{
	"status",
	"total_coins",
	"processed_coins",
	"last_processed_index",
	"processed_coin_ids",
	"start_time",
	"last_checkpoint_time",
	"checkpoint_frequency",
}

// ResumeIndex is the candidate position a resumed build starts from.
func (r *Record) ResumeIndex() int {
	return r.LastProcessedIndex + 1
}

// Progress returns processed over total as a fraction in [0, 1].
func (r *Record) Progress() float64 {
	if r.TotalCoins <= 0 {
		return 0
	}
	return float64(r.ProcessedCoins) / float64(r.TotalCoins)
}

// Store reads and writes the checkpoint file of one build.
type Store struct {
	fs     afero.Fs
	path   string
	expiry time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, used for expiry checks and save timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithExpiry overrides DefaultExpiry. Non-positive values are ignored.
func WithExpiry(expiry time.Duration) Option {
	return func(s *Store) {
		if expiry > 0 {
			s.expiry = expiry
		}
	}
}

// NewStore creates a store for the checkpoint file at path.
func NewStore(fs afero.Fs, path string, logger logrus.FieldLogger, opts ...Option) *Store {
	s := &Store{
		fs:     fs,
		path:   path,
		expiry: DefaultExpiry,
		now:    time.Now,
		logger: logger.WithField("component", "checkpoint"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

// Save stamps rec with the current time and atomically replaces the file.
func (s *Store) Save(rec *Record) error {
	rec.LastCheckpointTime = s.now().UTC()
	if err := atomicfile.WriteJSON(s.fs, s.path, rec); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"processed": rec.ProcessedCoins,
		"total":     rec.TotalCoins,
		"index":     rec.LastProcessedIndex,
		"mapped":    rec.PartialMappingCount,
	}).Debug("Checkpoint saved")
	return nil
}

// Load returns the stored record, or nil when there is none.
// A file that does not parse is logged and reported as absent.
func (s *Store) Load() (*Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Checkpoint file is corrupted, ignoring it")
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Checkpoint file is corrupted, ignoring it")
		return nil, nil
	}
	for _, key := range requiredFields {
		if _, ok := fields[key]; !ok {
			rec.missing = append(rec.missing, key)
		}
	}
	return &rec, nil
}

// Validate checks the structural invariants of rec and its age.
func (s *Store) Validate(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: empty record", ErrInvalidCheckpoint)
	}
	if len(rec.missing) > 0 {
		return fmt.Errorf("%w: missing fields %v", ErrInvalidCheckpoint, rec.missing)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCheckpoint, rec.Status)
	}
	if rec.LastCheckpointTime.IsZero() || rec.StartTime.IsZero() {
		return fmt.Errorf("%w: missing timestamps", ErrInvalidCheckpoint)
	}
	if rec.ProcessedCoinIDs == nil {
		return fmt.Errorf("%w: missing processed_coin_ids", ErrInvalidCheckpoint)
	}
	if rec.ProcessedCoins != len(rec.ProcessedCoinIDs) {
		return fmt.Errorf("%w: processed_coins %d does not match %d processed ids",
			ErrInvalidCheckpoint, rec.ProcessedCoins, len(rec.ProcessedCoinIDs))
	}
	if rec.TotalCoins < 0 || rec.LastProcessedIndex < -1 {
		return fmt.Errorf("%w: negative counters", ErrInvalidCheckpoint)
	}
	if rec.ProcessedCoins > 0 && rec.LastProcessedIndex < 0 {
		return fmt.Errorf("%w: processed coins without a last processed index", ErrInvalidCheckpoint)
	}
	if rec.CheckpointFrequency <= 0 {
		return fmt.Errorf("%w: checkpoint_frequency must be positive", ErrInvalidCheckpoint)
	}

	if age := s.now().Sub(rec.LastCheckpointTime); age > s.expiry {
		return fmt.Errorf("%w: last saved %s ago", ErrExpiredCheckpoint, age.Round(time.Minute))
	}
	return nil
}

// LoadValid loads the record and drops it when it fails validation.
// Invalid and expired checkpoints are logged and reported as absent.
func (s *Store) LoadValid() (*Record, error) {
	rec, err := s.Load()
	if err != nil || rec == nil {
		return nil, err
	}

	if err := s.Validate(rec); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Discarding checkpoint, starting fresh")
		return nil, nil
	}
	return rec, nil
}

// Clear removes the checkpoint file. A missing file is not an error.
func (s *Store) Clear() error {
	err := s.fs.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
