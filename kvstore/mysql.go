package kvstore

import (
	"database/sql"
	"fmt"

	"github.com/apex/log"
)

// MySQLStore persists key-value pairs in a single MySQL table. The service
// is the only writer for its namespace, so no locking beyond the database's
// own is needed.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps an existing database connection.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// CreateTable creates the kv_store table if it doesn't exist.
func (s *MySQLStore) CreateTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_store (
		k VARCHAR(512) NOT NULL PRIMARY KEY,
		v MEDIUMBLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create kv_store table: %w", err)
	}
	log.Info("kv_store table created/verified")
	return nil
}

func (s *MySQLStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT v FROM kv_store WHERE k = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

func (s *MySQLStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_store (k, v) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE v = VALUES(v)
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *MySQLStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_store WHERE k = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *MySQLStore) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT k FROM kv_store WHERE k LIKE CONCAT(?, '%')", prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
