package postgres

import (
	"context"
	"errors"
	"fmt"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// ProgressionStore keeps student profiles in Postgres. Apply locks the profile
// row and records the grant key in the same transaction.
type ProgressionStore struct {
	pool *pgxpool.Pool
}

func NewProgressionStore(pool *pgxpool.Pool) *ProgressionStore {
	return &ProgressionStore{pool: pool}
}

const profileColumns = `student_id, class, experience, level, max_hp, max_mp, current_hp, current_mp, updated_at`

func (s *ProgressionStore) Create(ctx context.Context, p domain.Profile) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO student_profiles (`+profileColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.StudentID, string(p.Class), p.Experience, p.Level, p.MaxHP, p.MaxMP, p.CurrentHP, p.CurrentMP, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrProfileExists
	}
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *ProgressionStore) Get(ctx context.Context, studentID string) (domain.Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM student_profiles WHERE student_id=$1`, studentID)
	return scanProfile(row)
}

func (s *ProgressionStore) Apply(ctx context.Context, studentID, grantKey string, fn app.ProfileFunc) (domain.Profile, bool, error) {
	var (
		out     domain.Profile
		applied bool
	)
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		applied = false
		current, err := scanProfile(tx.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM student_profiles WHERE student_id=$1 FOR UPDATE`, studentID))
		if err != nil {
			return err
		}
		out = current

		if grantKey != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO reward_grants (grant_key, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				grantKey, studentID)
			if err != nil {
				return fmt.Errorf("record grant: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE student_profiles
			SET class=$2, experience=$3, level=$4, max_hp=$5, max_mp=$6, current_hp=$7, current_mp=$8, updated_at=$9
			WHERE student_id=$1`,
			studentID, string(next.Class), next.Experience, next.Level, next.MaxHP, next.MaxMP, next.CurrentHP, next.CurrentMP, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		out, applied = next, true
		return nil
	})
	if err != nil {
		return domain.Profile{}, false, err
	}
	return out, applied, nil
}

func scanProfile(row pgx.Row) (domain.Profile, error) {
	var (
		p     domain.Profile
		class string
	)
	err := row.Scan(&p.StudentID, &class, &p.Experience, &p.Level, &p.MaxHP, &p.MaxMP, &p.CurrentHP, &p.CurrentMP, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.Class = domain.CharacterClass(class)
	return p, nil
}
