// Package sqlite stores student progression in a local SQLite file, for
// single-node deployments that run without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
	_ "modernc.org/sqlite"
)

// ProgressionStore implements app.ProgressionRepository using SQLite.
type ProgressionStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*ProgressionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps Apply transactions from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &ProgressionStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *ProgressionStore) Close() error {
	return s.db.Close()
}

func (s *ProgressionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS student_profiles (
		student_id TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		experience INTEGER NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 1,
		max_hp INTEGER NOT NULL,
		max_mp INTEGER NOT NULL,
		current_hp INTEGER NOT NULL,
		current_mp INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS reward_grants (
		grant_key TEXT NOT NULL,
		student_id TEXT NOT NULL,
		granted_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (grant_key, student_id),
		FOREIGN KEY (student_id) REFERENCES student_profiles(student_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const profileColumns = `student_id, class, experience, level, max_hp, max_mp, current_hp, current_mp, updated_at`

func (s *ProgressionStore) Create(ctx context.Context, p domain.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO student_profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StudentID, string(p.Class), p.Experience, p.Level, p.MaxHP, p.MaxMP, p.CurrentHP, p.CurrentMP, p.UpdatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrProfileExists
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

func (s *ProgressionStore) Get(ctx context.Context, studentID string) (domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM student_profiles WHERE student_id = ?`, studentID)
	return scanProfile(row)
}

func (s *ProgressionStore) Apply(ctx context.Context, studentID, grantKey string, fn app.ProfileFunc) (domain.Profile, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanProfile(tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM student_profiles WHERE student_id = ?`, studentID))
	if err != nil {
		return domain.Profile{}, false, err
	}

	if grantKey != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO reward_grants (grant_key, student_id) VALUES (?, ?)`, grantKey, studentID)
		if err != nil {
			return domain.Profile{}, false, fmt.Errorf("failed to record grant: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return current, false, nil
		}
	}

	next, err := fn(current)
	if err != nil {
		return current, false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE student_profiles
		SET class = ?, experience = ?, level = ?, max_hp = ?, max_mp = ?, current_hp = ?, current_mp = ?, updated_at = ?
		WHERE student_id = ?`,
		string(next.Class), next.Experience, next.Level, next.MaxHP, next.MaxMP, next.CurrentHP, next.CurrentMP, next.UpdatedAt.UTC(), studentID)
	if err != nil {
		return current, false, fmt.Errorf("failed to update profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, false, fmt.Errorf("failed to commit: %w", err)
	}
	return next, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (domain.Profile, error) {
	var (
		p         domain.Profile
		class     string
		updatedAt sql.NullTime
	)
	err := row.Scan(&p.StudentID, &class, &p.Experience, &p.Level, &p.MaxHP, &p.MaxMP, &p.CurrentHP, &p.CurrentMP, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("failed to scan profile: %w", err)
	}
	p.Class = domain.CharacterClass(class)
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.Time
	}
	return p, nil
}
