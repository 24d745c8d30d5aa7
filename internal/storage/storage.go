// Package storage persists finished mappings into ClickHouse.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/navid-fn/coinmap/internal/mapping"
)

const insertMapping = `
	INSERT INTO kraken_mapping (
		coin_id, exchange_name, symbol, pair_name,
		base_currency, target_currency, alt_name, trade_url,
		is_active, min_order_size, fee_percent, updated_at
	)
`

// Storage is the ClickHouse side of a mapping build. It implements mapping.Sink.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Name identifies the sink in logs.
	Name() string

	// SaveMapping inserts every entry of cache in one batch. Rows replace
	// earlier rows of the same coin once ClickHouse merges the table.
	SaveMapping(ctx context.Context, cache mapping.Cache) error

	// Ping checks the connection.
	Ping(ctx context.Context) error

	// Close releases database connection resources.
	Close() error
}

// batch is the subset of driver.Batch used for inserts.
type batch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

// conn is the subset of the native connection the storage needs.
type conn interface {
	prepare(ctx context.Context, query string) (batch, error)
	Ping(ctx context.Context) error
	Close() error
}

type nativeConn struct {
	driver.Conn
}

func (c nativeConn) prepare(ctx context.Context, query string) (batch, error) {
	return c.Conn.PrepareBatch(ctx, query)
}

// clickhouseStorage implements Storage using native ClickHouse driver.
// Uses batch inserts for high-throughput data ingestion.
type clickhouseStorage struct {
	conn conn
	now  func() time.Time
}

// NewClickHouseStorage creates a new ClickHouse storage connection.
// It parses the DSN, opens a connection, and verifies connectivity with a ping.
// Returns an error if connection cannot be established within 5 seconds.
func NewClickHouseStorage(dsn string) (Storage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}

	native, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := native.Ping(ctx); err != nil {
		_ = native.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return newStorage(nativeConn{Conn: native}), nil
}

func newStorage(c conn) *clickhouseStorage {
	return &clickhouseStorage{conn: c, now: time.Now}
}

func (s *clickhouseStorage) Name() string { return "clickhouse" }

// SaveMapping inserts the mapping using ClickHouse batch insert.
// All rows in the batch share the same updated_at timestamp.
func (s *clickhouseStorage) SaveMapping(ctx context.Context, cache mapping.Cache) error {
	if len(cache) == 0 {
		return nil
	}

	b, err := s.conn.prepare(ctx, insertMapping)
	if err != nil {
		return fmt.Errorf("prepare mapping batch: %w", err)
	}

	now := s.now().UTC()
	for _, id := range cache.IDs() {
		e := cache[id]
		err := b.Append(
			id,
			e.ExchangeName,
			e.Symbol,
			e.PairName,
			e.BaseCurrency,
			e.TargetCurrency,
			e.AltName,
			e.TradeURL,
			e.IsActive,
			e.MinOrderSize,
			e.FeePercent,
			now,
		)
		if err != nil {
			_ = b.Abort()
			return fmt.Errorf("append mapping %s: %w", id, err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("send mapping batch: %w", err)
	}
	return nil
}

func (s *clickhouseStorage) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (s *clickhouseStorage) Close() error {
	return s.conn.Close()
}
