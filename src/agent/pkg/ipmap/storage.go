// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package ipmap

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Storage defines the interface for mapping persistence
type Storage interface {
	// SaveMapping inserts or replaces a mapping
	SaveMapping(m *Mapping) error

	// DeleteMapping removes the mapping for prefix
	DeleteMapping(prefix string) error

	// LoadMappings loads all mappings
	LoadMappings() ([]Mapping, error)

	// ClearAll removes every mapping
	ClearAll() error

	// Close closes the storage connection
	Close() error
}

// SQLiteStorage implements Storage using SQLite database
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Infof("Mapping storage initialized: %s", dbPath)
	return storage, nil
}

// initSchema creates the mappings table if it doesn't exist
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ip_mappings (
		prefix TEXT PRIMARY KEY,
		cpu INTEGER NOT NULL,
		tc_handle TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_cpu ON ip_mappings(cpu);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveMapping saves a mapping to the database
func (s *SQLiteStorage) SaveMapping(m *Mapping) error {
	query := `
	INSERT INTO ip_mappings (prefix, cpu, tc_handle)
	VALUES (?, ?, ?)
	ON CONFLICT(prefix) DO UPDATE SET
		cpu = excluded.cpu,
		tc_handle = excluded.tc_handle,
		updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.Exec(query, m.Prefix, m.CPU, m.TCHandle); err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}

	log.Debugf("Mapping saved to storage: %s", m.Prefix)
	return nil
}

// DeleteMapping removes a mapping from the database
func (s *SQLiteStorage) DeleteMapping(prefix string) error {
	result, err := s.db.Exec(`DELETE FROM ip_mappings WHERE prefix = ?`, prefix)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}

	log.Debugf("Mapping deleted from storage: %s", prefix)
	return nil
}

// LoadMappings loads all mappings from the database
func (s *SQLiteStorage) LoadMappings() ([]Mapping, error) {
	rows, err := s.db.Query(`SELECT prefix, cpu, tc_handle FROM ip_mappings ORDER BY prefix ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Prefix, &m.CPU, &m.TCHandle); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	log.Infof("Loaded %d mappings from storage", len(mappings))
	return mappings, nil
}

// Count returns the total number of stored mappings
func (s *SQLiteStorage) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ip_mappings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get mapping count: %w", err)
	}
	return count, nil
}

// ClearAll removes all mappings from storage
func (s *SQLiteStorage) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM ip_mappings`); err != nil {
		return fmt.Errorf("failed to clear mappings: %w", err)
	}

	log.Info("All mappings cleared from storage")
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
