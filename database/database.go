package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"

	"physique-analyze-pipeline/config"
	"physique-analyze-pipeline/models"
)

const maxPingBackoff = 30 * time.Second

// Database stores completed physique analyses.
type Database struct {
	db *sql.DB
}

// StoredAnalysis is one row of the physique_analysis table.
type StoredAnalysis struct {
	RequestID     string                `json:"request_id"`
	Fingerprint   string                `json:"fingerprint"`
	Source        string                `json:"source"`
	Cached        bool                  `json:"cached"`
	PhysiqueScore float64               `json:"physique_score"`
	Result        models.AnalysisResult `json:"result"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Stats summarizes the stored analyses.
type Stats struct {
	TotalAnalyses   int     `json:"total_analyses"`
	CachedAnalyses  int     `json:"cached_analyses"`
	AvgPhysique     float64 `json:"avg_physique_score"`
	LatestCreatedAt string  `json:"latest_created_at"`
}

// NewDatabase opens a MySQL connection and waits for it to become
// reachable, backing off exponentially up to 30 seconds per attempt.
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	waitInterval := 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		} else {
			log.Warnf("database connection failed, retrying in %v: %v", waitInterval, err)
		}
		time.Sleep(waitInterval)
		waitInterval *= 2
		if waitInterval > maxPingBackoff {
			waitInterval = maxPingBackoff
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// GetDB exposes the underlying connection pool.
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// CreateAnalysisTable creates the physique_analysis table if it doesn't exist.
func (d *Database) CreateAnalysisTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS physique_analysis (
		request_id VARCHAR(64) NOT NULL PRIMARY KEY,
		fingerprint VARCHAR(32) NOT NULL,
		source VARCHAR(64) NOT NULL,
		cached BOOLEAN DEFAULT FALSE,
		physique_score FLOAT,
		result_json MEDIUMTEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_physique_analysis_fingerprint (fingerprint),
		INDEX idx_physique_analysis_created_at (created_at)
	)`

	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create physique_analysis table: %w", err)
	}
	log.Info("physique_analysis table created/verified")
	return nil
}

// SaveAnalysis inserts one completed analysis. Re-saving the same request_id
// overwrites the previous row.
func (d *Database) SaveAnalysis(ctx context.Context, a *StoredAnalysis) error {
	resultJSON, err := json.Marshal(a.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis result: %w", err)
	}

	query := `
	INSERT INTO physique_analysis (request_id, fingerprint, source, cached, physique_score, result_json)
	VALUES (?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		fingerprint = VALUES(fingerprint),
		source = VALUES(source),
		cached = VALUES(cached),
		physique_score = VALUES(physique_score),
		result_json = VALUES(result_json)`

	if _, err := d.db.ExecContext(ctx, query,
		a.RequestID, a.Fingerprint, a.Source, a.Cached, a.PhysiqueScore, resultJSON); err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

// GetAnalysisByRequestID fetches one stored analysis, or sql.ErrNoRows.
func (d *Database) GetAnalysisByRequestID(ctx context.Context, requestID string) (*StoredAnalysis, error) {
	query := `
	SELECT request_id, fingerprint, source, cached, physique_score, result_json, created_at
	FROM physique_analysis
	WHERE request_id = ?`

	var a StoredAnalysis
	var resultJSON []byte
	err := d.db.QueryRowContext(ctx, query, requestID).Scan(
		&a.RequestID, &a.Fingerprint, &a.Source, &a.Cached, &a.PhysiqueScore, &resultJSON, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored result: %w", err)
	}
	return &a, nil
}

// GetStats aggregates counts and the average physique score.
func (d *Database) GetStats(ctx context.Context) (*Stats, error) {
	query := `
	SELECT COUNT(*),
		COALESCE(SUM(cached), 0),
		COALESCE(AVG(physique_score), 0),
		COALESCE(MAX(created_at), '')
	FROM physique_analysis`

	var s Stats
	err := d.db.QueryRowContext(ctx, query).Scan(
		&s.TotalAnalyses, &s.CachedAnalyses, &s.AvgPhysique, &s.LatestCreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return &s, nil
}
