// Package storage provides a WAL-mode SQLite-backed store of the users and
// inbound-tag entitlements local to one node. It is the
// node-side analogue of the panel's persistent store: the node never talks
// to Postgres directly, only to its own local SQLite file, so it can keep
// serving SyncUsers/RepopulateUsers even while the panel is unreachable.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// User is a node-local projection of a panel User: the id/username
// pair plus the set of inbound tags this node currently grants it.
type User struct {
	ID       string
	Username string
	Key      []byte
	Inbounds []string
}

// Store is a WAL-mode SQLite-backed store of node-local users and their
// inbound entitlements. It is safe for concurrent use; writes serialise
// through a single connection (db.SetMaxOpenConns(1)).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS users (
    id       TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    key      BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS user_inbounds (
    user_id TEXT NOT NULL,
    tag     TEXT NOT NULL,
    PRIMARY KEY (user_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_user_inbounds_user ON user_inbounds (user_id);
`

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ApplyUpdate diffs the given tag set against the currently stored
// inbounds for userID and returns the tags that were added and removed, so
// the caller can drive Backend.AddUser/RemoveUser accordingly.
// An empty tagSet removes the user entirely. The operation is idempotent:
// applying the same update twice yields the same storage state and an
// empty added/removed diff the second time.
func (s *Store) ApplyUpdate(ctx context.Context, userID, username string, key []byte, tagSet []string) (added, removed []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := currentTags(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}

	want := make(map[string]bool, len(tagSet))
	for _, t := range tagSet {
		want[t] = true
	}

	for t := range want {
		if !current[t] {
			added = append(added, t)
		}
	}
	for t := range current {
		if !want[t] {
			removed = append(removed, t)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	if len(tagSet) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_inbounds WHERE user_id = ?`, userID); err != nil {
			return nil, nil, fmt.Errorf("storage: clear inbounds: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
			return nil, nil, fmt.Errorf("storage: delete user: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("storage: commit: %w", err)
		}
		return added, removed, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, username, key) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, key = excluded.key`,
		userID, username, key,
	); err != nil {
		return nil, nil, fmt.Errorf("storage: upsert user: %w", err)
	}

	for _, t := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_inbounds WHERE user_id = ? AND tag = ?`, userID, t); err != nil {
			return nil, nil, fmt.Errorf("storage: remove inbound %q: %w", t, err)
		}
	}
	for _, t := range added {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_inbounds (user_id, tag) VALUES (?, ?)`, userID, t,
		); err != nil {
			return nil, nil, fmt.Errorf("storage: add inbound %q: %w", t, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("storage: commit: %w", err)
	}
	return added, removed, nil
}

func currentTags(ctx context.Context, tx *sql.Tx, userID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT tag FROM user_inbounds WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: query inbounds: %w", err)
	}
	defer rows.Close()

	tags := make(map[string]bool)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("storage: scan inbound: %w", err)
		}
		tags[tag] = true
	}
	return tags, rows.Err()
}

// Repopulate atomically reconciles storage to exactly the given set of
// users: any locally stored user absent from users
// is removed along with its inbounds; every present user's inbound set is
// replaced wholesale. Returns, per affected user id, the added/removed tag
// diff (useful for driving Backend.AddUser/RemoveUser the same way
// ApplyUpdate does).
func (s *Store) Repopulate(ctx context.Context, users []User) (diffs map[string]struct{ Added, Removed []string }, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	existingIDs, err := allUserIDs(ctx, tx)
	if err != nil {
		return nil, err
	}

	wantIDs := make(map[string]bool, len(users))
	for _, u := range users {
		wantIDs[u.ID] = true
	}

	diffs = make(map[string]struct{ Added, Removed []string })

	for _, id := range existingIDs {
		if wantIDs[id] {
			continue
		}
		removed, err := currentTagsSlice(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_inbounds WHERE user_id = ?`, id); err != nil {
			return nil, fmt.Errorf("storage: clear inbounds for %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("storage: delete user %q: %w", id, err)
		}
		diffs[id] = struct{ Added, Removed []string }{Removed: removed}
	}

	for _, u := range users {
		current, err := currentTags(ctx, tx, u.ID)
		if err != nil {
			return nil, err
		}
		want := make(map[string]bool, len(u.Inbounds))
		for _, t := range u.Inbounds {
			want[t] = true
		}
		var added, removedTags []string
		for t := range want {
			if !current[t] {
				added = append(added, t)
			}
		}
		for t := range current {
			if !want[t] {
				removedTags = append(removedTags, t)
			}
		}
		sort.Strings(added)
		sort.Strings(removedTags)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, key) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET username = excluded.username, key = excluded.key`,
			u.ID, u.Username, u.Key,
		); err != nil {
			return nil, fmt.Errorf("storage: upsert user %q: %w", u.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_inbounds WHERE user_id = ?`, u.ID); err != nil {
			return nil, fmt.Errorf("storage: clear inbounds for %q: %w", u.ID, err)
		}
		for _, t := range u.Inbounds {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO user_inbounds (user_id, tag) VALUES (?, ?)`, u.ID, t,
			); err != nil {
				return nil, fmt.Errorf("storage: add inbound %q for %q: %w", t, u.ID, err)
			}
		}
		if len(added) > 0 || len(removedTags) > 0 {
			diffs[u.ID] = struct{ Added, Removed []string }{Added: added, Removed: removedTags}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}
	return diffs, nil
}

func allUserIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("storage: query users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func currentTagsSlice(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	m, err := currentTags(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}

// List returns every user currently stored, with their inbound tags
// sorted, ordered by user id.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, key FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Key); err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: rows: %w", err)
	}

	for i := range users {
		tags, err := currentTagsForReadOnly(ctx, s.db, users[i].ID)
		if err != nil {
			return nil, err
		}
		users[i].Inbounds = tags
	}
	return users, nil
}

func currentTagsForReadOnly(ctx context.Context, db *sql.DB, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT tag FROM user_inbounds WHERE user_id = ? ORDER BY tag`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: query inbounds: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("storage: scan inbound: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
