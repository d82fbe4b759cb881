// Package store persists monitored signals and discovered exchange
// metadata. PostgreSQL is the durable store; Redis backs the notification
// dedup keys.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"copytrade-engine/internal/logging"
)

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a database connection pool and verifies it with a ping.
func NewDB(cfg PostgresConfig, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL", "database", cfg.Database)
	return &DB{Pool: pool, logger: logger.WithComponent("store")}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// RunMigrations creates the engine tables
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS monitored_signals (
			signal_key VARCHAR(255) PRIMARY KEY,
			state VARCHAR(20) NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitored_signals_state ON monitored_signals(state)`,

		`CREATE TABLE IF NOT EXISTS tick_sizes (
			symbol VARCHAR(20) PRIMARY KEY,
			tick_size DECIMAL(20, 10) NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info("Database migrations complete")
	return nil
}

// SignalRecord is a persisted monitored signal. The payload is the
// monitor's own serialized state, keyed by the signal's identity key.
type SignalRecord struct {
	Key       string
	State     string
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// SignalRepository persists monitored signals
type SignalRepository struct {
	db *DB
}

// NewSignalRepository creates a signal repository
func NewSignalRepository(db *DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// Save upserts a monitored signal record
func (r *SignalRepository) Save(ctx context.Context, record SignalRecord) error {
	query := `
		INSERT INTO monitored_signals (signal_key, state, payload, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (signal_key)
		DO UPDATE SET state = $2, payload = $3, updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.Pool.Exec(ctx, query, record.Key, record.State, record.Payload); err != nil {
		return fmt.Errorf("saving signal %s: %w", record.Key, err)
	}
	return nil
}

// LoadActive returns every signal that has not completed
func (r *SignalRepository) LoadActive(ctx context.Context) ([]SignalRecord, error) {
	query := `
		SELECT signal_key, state, payload, updated_at
		FROM monitored_signals
		WHERE state != 'completed'
		ORDER BY updated_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading signals: %w", err)
	}
	defer rows.Close()

	var records []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		if err := rows.Scan(&rec.Key, &rec.State, &rec.Payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning signal row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a monitored signal record
func (r *SignalRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM monitored_signals WHERE signal_key = $1`, key); err != nil {
		return fmt.Errorf("deleting signal %s: %w", key, err)
	}
	return nil
}

// TickRepository persists discovered tick sizes
type TickRepository struct {
	db *DB
}

// NewTickRepository creates a tick size repository
func NewTickRepository(db *DB) *TickRepository {
	return &TickRepository{db: db}
}

// LoadTickSizes returns all persisted tick sizes keyed by symbol
func (r *TickRepository) LoadTickSizes(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT symbol, tick_size FROM tick_sizes`)
	if err != nil {
		return nil, fmt.Errorf("loading tick sizes: %w", err)
	}
	defer rows.Close()

	sizes := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var size float64
		if err := rows.Scan(&symbol, &size); err != nil {
			return nil, fmt.Errorf("scanning tick size row: %w", err)
		}
		sizes[symbol] = size
	}
	return sizes, rows.Err()
}

// SaveTickSize upserts a discovered tick size
func (r *TickRepository) SaveTickSize(ctx context.Context, symbol string, size float64) error {
	query := `
		INSERT INTO tick_sizes (symbol, tick_size, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (symbol)
		DO UPDATE SET tick_size = $2, updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.Pool.Exec(ctx, query, symbol, size); err != nil {
		return fmt.Errorf("saving tick size %s: %w", symbol, err)
	}
	return nil
}
