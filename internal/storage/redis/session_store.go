package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// defaultMaxTxRetries bounds optimistic retries for one per-user transaction.
const defaultMaxTxRetries = 16

type sessionStore struct {
	client     *redis.Client
	maxRetries int
}

// Atomic runs fn under WATCH on the user's revision key. Every committed
// write bumps that key, so two concurrent transactions for the same user
// cannot both commit; the loser re-reads and re-runs fn. Transactions for
// different users watch different keys and never contend.
func (s *sessionStore) Atomic(ctx context.Context, userID string, fn func(tx storage.UserTx) error) error {
	revKey := userRevKey(userID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &userTx{ctx: ctx, rtx: rtx, userID: userID}
			if err := fn(tx); err != nil {
				return err
			}
			if tx.err != nil {
				return tx.err
			}
			if len(tx.writes) == 0 {
				return nil
			}
			return tx.commit(revKey)
		}, revKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return storage.ErrContention
}

// GetSession retrieves a session by ID
func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.WorkSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseWorkSession(data)
}

// UpdateNotes replaces the notes of a session
func (s *sessionStore) UpdateNotes(ctx context.Context, id, notes string, at time.Time) (*storage.WorkSession, error) {
	userID, err := s.client.HGet(ctx, sessionKey(id), "user_id").Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	keys := []string{sessionKey(id), userRevKey(userID)}
	args := []interface{}{userID, notes, formatTime(&at)}

	result, err := updateNotesScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return nil, err
	}

	switch result {
	case 0:
		return nil, storage.ErrNotFound
	case -1:
		return nil, fmt.Errorf("session %s changed owner during notes update", id)
	}

	return s.GetSession(ctx, id)
}

// ListOpenSessions returns all open sessions ordered by start time
func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.WorkSession, error) {
	ids, err := s.client.SMembers(ctx, openSessionsSet).Result()
	if err != nil {
		return nil, err
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	open := sessions[:0]
	for _, session := range sessions {
		// The set is updated in the same transaction as the session, but
		// skip anything closed in case of manual edits.
		if session.IsOpen() {
			open = append(open, session)
		}
	}

	return open, nil
}

// ListUserSessions returns a user's sessions matching q
func (s *sessionStore) ListUserSessions(ctx context.Context, userID string, q storage.SessionQuery) ([]storage.WorkSession, error) {
	var ids []string

	if !q.ActiveAfter.IsZero() {
		// Overlap queries: closed sessions that ended after the bound,
		// plus the open session if any.
		ended, err := s.client.ZRangeByScore(ctx, userEndedKey(userID), &redis.ZRangeBy{
			Min: strconv.FormatInt(q.ActiveAfter.UnixMilli(), 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, err
		}
		ids = ended

		openID, err := s.client.Get(ctx, userOpenKey(userID)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if openID != "" {
			ids = append(ids, openID)
		}
	} else {
		by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if !q.StartedFrom.IsZero() {
			by.Min = strconv.FormatInt(q.StartedFrom.UnixMilli(), 10)
		}
		if !q.StartedBefore.IsZero() {
			by.Max = strconv.FormatInt(q.StartedBefore.UnixMilli(), 10)
		}

		started, err := s.client.ZRangeByScore(ctx, userSessionsKey(userID), by).Result()
		if err != nil {
			return nil, err
		}
		ids = started
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Scores are millisecond-truncated; apply the exact bounds here.
	matched := make([]storage.WorkSession, 0, len(sessions))
	seen := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		if seen[session.ID] || !q.Matches(session) {
			continue
		}
		seen[session.ID] = true
		matched = append(matched, session)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.Before(matched[j].StartedAt)
	})

	return matched, nil
}

// loadSessions fetches session hashes in one pipeline, skipping missing ones
func (s *sessionStore) loadSessions(ctx context.Context, ids []string) ([]storage.WorkSession, error) {
	if len(ids) == 0 {
		return []storage.WorkSession{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.WorkSession, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseWorkSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	return sessions, nil
}

// userTx stages writes for one user inside a WATCH block.
type userTx struct {
	ctx    context.Context
	rtx    *redis.Tx
	userID string

	writes     []storage.WorkSession
	open       *storage.WorkSession
	openLoaded bool
	closedOpen bool
	err        error
}

func (t *userTx) OpenSession() (*storage.WorkSession, error) {
	if t.openLoaded {
		if t.open == nil {
			return nil, nil
		}
		clone := t.open.Clone()
		return &clone, nil
	}

	id, err := t.rtx.Get(t.ctx, userOpenKey(t.userID)).Result()
	if err == redis.Nil {
		t.openLoaded = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := t.rtx.HGetAll(t.ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	session, err := parseWorkSession(data)
	if errors.Is(err, storage.ErrNotFound) {
		// Dangling pointer; the next open session overwrites it.
		t.openLoaded = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.openLoaded = true
	if !session.IsOpen() {
		return nil, nil
	}
	t.open = session

	clone := session.Clone()
	return &clone, nil
}

func (t *userTx) Put(session storage.WorkSession) {
	if session.UserID != t.userID {
		t.err = fmt.Errorf("session %s belongs to %s, not %s", session.ID, session.UserID, t.userID)
		return
	}

	stored := session.Clone()
	t.writes = append(t.writes, stored)
	t.openLoaded = true

	if stored.IsOpen() {
		t.open = &stored
		return
	}
	if t.open == nil || t.open.ID == stored.ID {
		t.open = nil
		t.closedOpen = true
	}
}

func (t *userTx) commit(revKey string) error {
	type staged struct {
		session storage.WorkSession
		fields  map[string]interface{}
	}

	batch := make([]staged, 0, len(t.writes))
	for _, session := range t.writes {
		fields, err := sessionFields(session)
		if err != nil {
			return err
		}
		batch = append(batch, staged{session: session, fields: fields})
	}

	_, err := t.rtx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for _, w := range batch {
			id := w.session.ID
			pipe.HSet(t.ctx, sessionKey(id), w.fields)
			pipe.ZAdd(t.ctx, userSessionsKey(t.userID), redis.Z{Score: scoreOf(w.session.StartedAt), Member: id})

			if w.session.IsOpen() {
				pipe.SAdd(t.ctx, openSessionsSet, id)
			} else {
				pipe.SRem(t.ctx, openSessionsSet, id)
				pipe.ZAdd(t.ctx, userEndedKey(t.userID), redis.Z{Score: scoreOf(*w.session.EndedAt), Member: id})
			}
		}

		if t.open != nil {
			pipe.Set(t.ctx, userOpenKey(t.userID), t.open.ID, 0)
		} else if t.closedOpen {
			pipe.Del(t.ctx, userOpenKey(t.userID))
		}

		pipe.Incr(t.ctx, revKey)
		return nil
	})

	return err
}
