package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store is the relational metadata layer over archived turns. The document
// bodies live on the filesystem; this layer answers listing, lookup and
// retention queries.
type Store struct {
	DB *sql.DB
}

func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// TurnRow is one turn's persisted metadata.
type TurnRow struct {
	UserID       string
	TurnID       int64
	Mode         string
	Outcome      string
	QualityScore float64
	TokensUsed   int64
	CostUSD      float64
	Warnings     []string
	ArchivePath  string
	CreatedAt    time.Time
	ArchivedAt   time.Time
}

// ClaimRow is one claim attached to a turn's section.
type ClaimRow struct {
	UserID     string
	TurnID     int64
	Section    int
	Statement  string
	Confidence float64
	Source     string
	RecordedAt time.Time
	ExpiresAt  *time.Time
}

// SaveTurn upserts the turn metadata and replaces its claims in one
// transaction.
func (s *Store) SaveTurn(ctx context.Context, row TurnRow, claims []ClaimRow) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO turns (user_id, turn_id, mode, outcome, quality_score, tokens_used, cost_usd, warnings, archive_path, created_at, archived_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (user_id, turn_id) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            quality_score = EXCLUDED.quality_score,
            tokens_used = EXCLUDED.tokens_used,
            cost_usd = EXCLUDED.cost_usd,
            warnings = EXCLUDED.warnings,
            archive_path = EXCLUDED.archive_path,
            archived_at = EXCLUDED.archived_at`,
		row.UserID, row.TurnID, row.Mode, row.Outcome, row.QualityScore,
		row.TokensUsed, row.CostUSD, pq.Array(row.Warnings), row.ArchivePath,
		row.CreatedAt, row.ArchivedAt)
	if err != nil {
		return fmt.Errorf("upserting turn %s/%d: %w", row.UserID, row.TurnID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE user_id = $1 AND turn_id = $2`, row.UserID, row.TurnID); err != nil {
		return fmt.Errorf("clearing claims: %w", err)
	}
	for _, c := range claims {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO claims (user_id, turn_id, section, statement, confidence, source, recorded_at, expires_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			c.UserID, c.TurnID, c.Section, c.Statement, c.Confidence, c.Source, c.RecordedAt, c.ExpiresAt)
		if err != nil {
			return fmt.Errorf("inserting claim: %w", err)
		}
	}
	return tx.Commit()
}

// GetTurn loads one turn's metadata.
func (s *Store) GetTurn(ctx context.Context, userID string, turnID int64) (TurnRow, error) {
	row := TurnRow{}
	err := s.DB.QueryRowContext(ctx, `
        SELECT user_id, turn_id, mode, outcome, quality_score, tokens_used, cost_usd, warnings, archive_path, created_at, archived_at
        FROM turns WHERE user_id = $1 AND turn_id = $2`,
		userID, turnID).Scan(
		&row.UserID, &row.TurnID, &row.Mode, &row.Outcome, &row.QualityScore,
		&row.TokensUsed, &row.CostUSD, pq.Array(&row.Warnings), &row.ArchivePath,
		&row.CreatedAt, &row.ArchivedAt)
	if err != nil {
		return TurnRow{}, err
	}
	return row, nil
}

// ListTurns returns a user's most recent turns.
func (s *Store) ListTurns(ctx context.Context, userID string, limit int) ([]TurnRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
        SELECT user_id, turn_id, mode, outcome, quality_score, tokens_used, cost_usd, warnings, archive_path, created_at, archived_at
        FROM turns WHERE user_id = $1 ORDER BY turn_id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var row TurnRow
		if err := rows.Scan(
			&row.UserID, &row.TurnID, &row.Mode, &row.Outcome, &row.QualityScore,
			&row.TokensUsed, &row.CostUSD, pq.Array(&row.Warnings), &row.ArchivePath,
			&row.CreatedAt, &row.ArchivedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteTurnsBefore removes turns archived before the cutoff and returns the
// archive directories that should be deleted with them. Claims go with their
// turns via the foreign key.
func (s *Store) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`DELETE FROM turns WHERE archived_at < $1 RETURNING archive_path`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("deleting expired turns: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteExpiredClaims removes claims whose TTL has elapsed.
func (s *Store) DeleteExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM claims WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired claims: %w", err)
	}
	return res.RowsAffected()
}
