package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const schema = `CREATE TABLE IF NOT EXISTS model_weights (
	model    VARCHAR(64) NOT NULL,
	position INT         NOT NULL,
	weight   DOUBLE      NOT NULL,
	PRIMARY KEY (model, position)
);
CREATE TABLE IF NOT EXISTS model_bias (
	model VARCHAR(64) NOT NULL PRIMARY KEY,
	bias  DOUBLE      NOT NULL
)`

// SQLSource reads a named model from MySQL.
type SQLSource struct {
	DB    *sql.DB
	Model string
}

// OpenMySQL connects using a go-sql-driver DSN and checks the connection.
func OpenMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse model DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping %s/%s: %w", cfg.Addr, cfg.DBName, err)
	}
	return db, nil
}

// EnsureSchema creates the model tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create model schema: %w", err)
	}
	return nil
}

func (s *SQLSource) Load(ctx context.Context) (*Parameters, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT weight FROM model_weights WHERE model = ? ORDER BY position", s.Model)
	if err != nil {
		return nil, fmt.Errorf("query weights: %w", err)
	}
	defer rows.Close()

	var weights []float64
	for rows.Next() {
		var w float64
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan weight: %w", err)
		}
		weights = append(weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no weights for model %q", ErrModelFileMissing, s.Model)
	}

	var bias float64
	err = s.DB.QueryRowContext(ctx, "SELECT bias FROM model_bias WHERE model = ?", s.Model).Scan(&bias)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no bias for model %q", ErrModelFileMissing, s.Model)
		}
		return nil, fmt.Errorf("query bias: %w", err)
	}

	return &Parameters{Weights: weights, Bias: bias}, nil
}

// Save replaces the stored model in one transaction.
func (s *SQLSource) Save(ctx context.Context, p *Parameters) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM model_weights WHERE model = ?", s.Model); err != nil {
		return fmt.Errorf("clear weights: %w", err)
	}
	for i, w := range p.Weights {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO model_weights (model, position, weight) VALUES (?, ?, ?)", s.Model, i, w); err != nil {
			return fmt.Errorf("insert weight %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"REPLACE INTO model_bias (model, bias) VALUES (?, ?)", s.Model, p.Bias); err != nil {
		return fmt.Errorf("store bias: %w", err)
	}
	return tx.Commit()
}
