package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id, user_id, started_at, ended_at, notes, client_ip, user_agent, created_at, updated_at`

// errStale reports that another transaction for the same user committed
// between the read and the commit.
var errStale = errors.New("sqlite: user revision changed")

type sessionStore struct {
	read       *sql.DB
	write      *sql.DB
	maxRetries int
}

// Atomic reads the user's revision, runs fn against the read pool, and
// commits staged writes only if the revision is unchanged. The revision is
// read before any state fn sees, so a commit that lands in between always
// fails the check and fn re-runs on fresh state. Nothing is locked while fn
// runs.
func (s *sessionStore) Atomic(ctx context.Context, userID string, fn func(tx storage.UserTx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		rev, err := userRevision(ctx, s.read, userID)
		if err != nil {
			return err
		}

		tx := &userTx{ctx: ctx, db: s.read, userID: userID}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.err != nil {
			return tx.err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		err = withinTx(ctx, s.write, func(sqlTx *sql.Tx) error {
			if err := casRevision(ctx, sqlTx, userID, rev); err != nil {
				return err
			}
			for _, session := range tx.writes {
				if err := writeSession(ctx, sqlTx, session); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, errStale) {
			continue
		}
		return err
	}

	return storage.ErrContention
}

func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.WorkSession, error) {
	sessions, err := snapshotSessions(ctx, s.read, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, storage.ErrNotFound
	}
	return &sessions[0], nil
}

// UpdateNotes bumps the owner's revision so a transition racing with it
// re-reads the session instead of writing back stale notes.
func (s *sessionStore) UpdateNotes(ctx context.Context, id, notes string, at time.Time) (*storage.WorkSession, error) {
	var updated *storage.WorkSession
	err := withinTx(ctx, s.write, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM work_sessions WHERE id = ?`, id).Scan(&userID)
		if isNoRows(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading session owner: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE work_sessions SET notes = ?, updated_at = ? WHERE id = ?`,
			notes, toNanos(at), id); err != nil {
			return fmt.Errorf("updating notes: %w", err)
		}
		if err := bumpRevision(ctx, tx, userID); err != nil {
			return err
		}

		updated, err = getSession(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.WorkSession, error) {
	return snapshotSessions(ctx, s.read, `ended_at IS NULL`)
}

func (s *sessionStore) ListUserSessions(ctx context.Context, userID string, q storage.SessionQuery) ([]storage.WorkSession, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}

	if !q.StartedFrom.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toNanos(q.StartedFrom))
	}
	if !q.StartedBefore.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, toNanos(q.StartedBefore))
	}
	if !q.ActiveAfter.IsZero() {
		where = append(where, "(ended_at IS NULL OR ended_at > ?)")
		args = append(args, toNanos(q.ActiveAfter))
	}

	return snapshotSessions(ctx, s.read, strings.Join(where, " AND "), args...)
}

func userRevision(ctx context.Context, q dbtx, userID string) (int64, error) {
	var rev int64
	err := q.QueryRowContext(ctx, `SELECT rev FROM user_revisions WHERE user_id = ?`, userID).Scan(&rev)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading revision of %s: %w", userID, err)
	}
	return rev, nil
}

// casRevision bumps the user's revision if it still equals expected.
func casRevision(ctx context.Context, q dbtx, userID string, expected int64) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO user_revisions (user_id, rev) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET rev = user_revisions.rev + 1
		WHERE user_revisions.rev = ?`, userID, expected)
	if err != nil {
		return fmt.Errorf("bumping revision of %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errStale
	}
	return nil
}

func bumpRevision(ctx context.Context, q dbtx, userID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_revisions (user_id, rev) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET rev = user_revisions.rev + 1`, userID)
	if err != nil {
		return fmt.Errorf("bumping revision of %s: %w", userID, err)
	}
	return nil
}

type userTx struct {
	ctx    context.Context
	db     *sql.DB
	userID string
	writes []storage.WorkSession
	err    error
}

func (t *userTx) OpenSession() (*storage.WorkSession, error) {
	if n := len(t.writes); n > 0 {
		if last := t.writes[n-1]; last.IsOpen() {
			clone := last.Clone()
			return &clone, nil
		}
		return nil, nil
	}

	sessions, err := snapshotSessions(t.ctx, t.db, `user_id = ? AND ended_at IS NULL`, t.userID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (t *userTx) Put(session storage.WorkSession) {
	if session.UserID != t.userID {
		t.err = fmt.Errorf("session %s belongs to %s, not %s", session.ID, session.UserID, t.userID)
		return
	}
	t.writes = append(t.writes, session.Clone())
}

// withinTx commits when fn returns nil and rolls back otherwise.
func withinTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// writeSession upserts the session row and replaces its breaks.
func writeSession(ctx context.Context, q dbtx, session storage.WorkSession) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO work_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			notes = excluded.notes,
			client_ip = excluded.client_ip,
			user_agent = excluded.user_agent,
			updated_at = excluded.updated_at`,
		session.ID,
		session.UserID,
		toNanos(session.StartedAt),
		nullableNanos(session.EndedAt),
		session.Notes,
		session.Client.IP,
		session.Client.UserAgent,
		toNanos(session.CreatedAt),
		toNanos(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("writing session %s: %w", session.ID, err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM session_breaks WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clearing breaks of %s: %w", session.ID, err)
	}

	for i, b := range session.Breaks {
		_, err := q.ExecContext(ctx, `
			INSERT INTO session_breaks (id, session_id, position, started_at, ended_at, exceeded_max, capped)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, session.ID, i, toNanos(b.StartedAt), nullableNanos(b.EndedAt), boolToInt(b.ExceededMax), boolToInt(b.Capped),
		)
		if err != nil {
			return fmt.Errorf("writing break %s: %w", b.ID, err)
		}
	}

	return nil
}

func getSession(ctx context.Context, q dbtx, id string) (*storage.WorkSession, error) {
	sessions, err := querySessions(ctx, q, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, storage.ErrNotFound
	}
	return &sessions[0], nil
}

// snapshotSessions runs querySessions inside one read transaction so a
// session is never paired with breaks from a different commit.
func snapshotSessions(ctx context.Context, db *sql.DB, where string, args ...any) ([]storage.WorkSession, error) {
	var sessions []storage.WorkSession
	err := withinTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		sessions, err = querySessions(ctx, tx, where, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// querySessions loads the sessions matching where, ordered by start, with
// their breaks attached.
func querySessions(ctx context.Context, q dbtx, where string, args ...any) ([]storage.WorkSession, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM work_sessions WHERE `+where+` ORDER BY started_at, id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.WorkSession, 0)
	for rows.Next() {
		var s storage.WorkSession
		var startedAt, createdAt, updatedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(&s.ID, &s.UserID, &startedAt, &endedAt, &s.Notes,
			&s.Client.IP, &s.Client.UserAgent, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}

		s.StartedAt = fromNanos(startedAt)
		s.EndedAt = parseNullableNanos(endedAt)
		s.CreatedAt = fromNanos(createdAt)
		s.UpdatedAt = fromNanos(updatedAt)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	// The breaks query may need the same connection
	rows.Close()

	if err := loadBreaks(ctx, q, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func loadBreaks(ctx context.Context, q dbtx, sessions []storage.WorkSession) error {
	if len(sessions) == 0 {
		return nil
	}

	index := make(map[string]int, len(sessions))
	args := make([]any, len(sessions))
	for i, s := range sessions {
		index[s.ID] = i
		args[i] = s.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessions)), ",")

	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, started_at, ended_at, exceeded_max, capped
		FROM session_breaks
		WHERE session_id IN (`+placeholders+`)
		ORDER BY session_id, position`, args...)
	if err != nil {
		return fmt.Errorf("listing breaks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b storage.BreakInterval
		var startedAt int64
		var endedAt sql.NullInt64
		var exceeded, capped int

		if err := rows.Scan(&b.ID, &b.SessionID, &startedAt, &endedAt, &exceeded, &capped); err != nil {
			return fmt.Errorf("scanning break: %w", err)
		}
		b.StartedAt = fromNanos(startedAt)
		b.EndedAt = parseNullableNanos(endedAt)
		b.ExceededMax = intToBool(exceeded)
		b.Capped = intToBool(capped)

		i := index[b.SessionID]
		sessions[i].Breaks = append(sessions[i].Breaks, b)
	}
	return rows.Err()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func parseNullableNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// isNoRows reports whether err is sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
