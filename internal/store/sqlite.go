package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	txMu   sync.Mutex // serializes multi-statement transactions to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS users (
		handle TEXT PRIMARY KEY,
		identity_id INTEGER,
		avatar TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_identity_id ON users(identity_id) WHERE identity_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS relationships (
		user_id INTEGER NOT NULL,
		related_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (user_id, related_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_user_kind ON relationships(user_id, kind);

	CREATE TABLE IF NOT EXISTS close_friends (
		user_id INTEGER NOT NULL,
		friend_id INTEGER NOT NULL,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, friend_id)
	);

	CREATE TABLE IF NOT EXISTS manual_connections (
		handle TEXT NOT NULL,
		peer_handle TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (handle, peer_handle)
	);
	CREATE INDEX IF NOT EXISTS idx_manual_connections_handle ON manual_connections(handle);

	CREATE TABLE IF NOT EXISTS invites (
		code TEXT PRIMARY KEY,
		creator_handle TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		used_by TEXT NOT NULL DEFAULT '',
		used_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_invites_creator ON invites(creator_handle);

	CREATE TABLE IF NOT EXISTS aliases (
		login TEXT PRIMARY KEY,
		guest_handle TEXT NOT NULL,
		identity_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_guest ON aliases(guest_handle);

	CREATE TABLE IF NOT EXISTS preferences (
		handle TEXT PRIMARY KEY,
		visibility TEXT NOT NULL,
		share_project INTEGER NOT NULL,
		share_language INTEGER NOT NULL,
		share_activity INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_handle TEXT NOT NULL,
		to_handle TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		read_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chat_to_read ON chat_messages(to_handle, read_at);
	CREATE INDEX IF NOT EXISTS idx_chat_from_to_created ON chat_messages(from_handle, to_handle, created_at);

	CREATE TABLE IF NOT EXISTS snapshots (
		path TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		user_count INTEGER NOT NULL,
		message_count INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries fn on SQLITE_BUSY/locked errors with exponential
// backoff.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			select {
			case <-time.After(baseDelay * time.Duration(1<<i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, err)
}

// ---- Users ----

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var handle, avatar string
	var identityID sql.NullInt64
	var createdAt, lastSeenAt, updatedAt int64

	err := row.Scan(&handle, &identityID, &avatar, &createdAt, &lastSeenAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	u := &domain.User{
		Handle:     handle,
		IdentityID: identityID.Int64,
		Avatar:     avatar,
		CreatedAt:  time.Unix(createdAt, 0),
		LastSeenAt: time.Unix(lastSeenAt, 0),
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, handle string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT handle, identity_id, avatar, created_at, last_seen_at, updated_at
		FROM users WHERE handle = ?`, handle)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByIdentityID(ctx context.Context, identityID int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT handle, identity_id, avatar, created_at, last_seen_at, updated_at
		FROM users WHERE identity_id = ?`, identityID)
	return scanUser(row)
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	var identityID interface{}
	if user.IdentityID != 0 {
		identityID = user.IdentityID
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (handle, identity_id, avatar, created_at, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			identity_id = excluded.identity_id,
			avatar = excluded.avatar,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		user.Handle, identityID, user.Avatar,
		user.CreatedAt.Unix(), user.LastSeenAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, handle string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_seen_at = ?, updated_at = ? WHERE handle = ?`,
		lastSeen.Unix(), time.Now().Unix(), handle)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	return nil
}

// ---- Relationships ----

func (s *SQLiteStore) ReplaceRelationships(ctx context.Context, identityID int64, edges []domain.RelationshipEdge) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin relationship replace tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE user_id = ?`, identityID); err != nil {
			return fmt.Errorf("clear relationships: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO relationships (user_id, related_id, kind) VALUES (?, ?, ?)
			ON CONFLICT(user_id, related_id, kind) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare relationship insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range edges {
			if _, err := stmt.ExecContext(ctx, identityID, e.RelatedID, string(e.Kind)); err != nil {
				return fmt.Errorf("insert relationship: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit relationship replace tx: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) getRelatedIDs(ctx context.Context, identityID int64, kind domain.RelationshipKind) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT related_id FROM relationships WHERE user_id = ? AND kind = ?`, identityID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan relationship row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) GetFollowerIDs(ctx context.Context, identityID int64) ([]int64, error) {
	return s.getRelatedIDs(ctx, identityID, domain.RelationFollower)
}

func (s *SQLiteStore) GetFollowingIDs(ctx context.Context, identityID int64) ([]int64, error) {
	return s.getRelatedIDs(ctx, identityID, domain.RelationFollowing)
}

// ---- Close friends ----

func (s *SQLiteStore) AddCloseFriend(ctx context.Context, ownerID, friendID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO close_friends (user_id, friend_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, friend_id) DO NOTHING`, ownerID, friendID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("add close friend: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveCloseFriend(ctx context.Context, ownerID, friendID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM close_friends WHERE user_id = ? AND friend_id = ?`, ownerID, friendID)
	if err != nil {
		return fmt.Errorf("remove close friend: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCloseFriendIDs(ctx context.Context, ownerID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT friend_id FROM close_friends WHERE user_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query close friends: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan close friend row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) IsCloseFriend(ctx context.Context, ownerID, friendID int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM close_friends WHERE user_id = ? AND friend_id = ?`, ownerID, friendID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query close friend: %w", err)
	}
	return true, nil
}

// ---- Manual connections ----

func (s *SQLiteStore) AddManualConnection(ctx context.Context, a, b string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin manual connection tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		insert := `
			INSERT INTO manual_connections (handle, peer_handle, created_at) VALUES (?, ?, ?)
			ON CONFLICT(handle, peer_handle) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, a, b, now); err != nil {
			return fmt.Errorf("insert manual connection (a,b): %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, b, a, now); err != nil {
			return fmt.Errorf("insert manual connection (b,a): %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit manual connection tx: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveManualConnection(ctx context.Context, a, b string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin manual connection removal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		del := `DELETE FROM manual_connections WHERE handle = ? AND peer_handle = ?`
		if _, err := tx.ExecContext(ctx, del, a, b); err != nil {
			return fmt.Errorf("delete manual connection (a,b): %w", err)
		}
		if _, err := tx.ExecContext(ctx, del, b, a); err != nil {
			return fmt.Errorf("delete manual connection (b,a): %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit manual connection removal tx: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) IsManuallyConnected(ctx context.Context, a, b string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM manual_connections WHERE handle = ? AND peer_handle = ?`, a, b).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query manual connection: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ListManualConnectionPeers(ctx context.Context, handle string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_handle FROM manual_connections WHERE handle = ?`, handle)
	if err != nil {
		return nil, fmt.Errorf("query manual connections: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("scan manual connection row: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// ---- Aliases ----

func (s *SQLiteStore) GetAliasByGuestHandle(ctx context.Context, guestHandle string) (string, int64, bool, error) {
	var login string
	var identityID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT login, identity_id FROM aliases WHERE guest_handle = ?`, guestHandle).Scan(&login, &identityID)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("query alias: %w", err)
	}
	return login, identityID, true, nil
}

func (s *SQLiteStore) PutAlias(ctx context.Context, login, guestHandle string, identityID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (login, guest_handle, identity_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(login) DO UPDATE SET
			guest_handle = excluded.guest_handle,
			identity_id = excluded.identity_id`,
		login, guestHandle, identityID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put alias: %w", err)
	}
	return nil
}

// ---- Preferences ----

func (s *SQLiteStore) GetPreferences(ctx context.Context, handle string) (*domain.Preferences, error) {
	var visibility string
	var shareProject, shareLanguage, shareActivity bool
	err := s.db.QueryRowContext(ctx, `
		SELECT visibility, share_project, share_language, share_activity
		FROM preferences WHERE handle = ?`, handle).
		Scan(&visibility, &shareProject, &shareLanguage, &shareActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return &domain.Preferences{
		Handle:        handle,
		Visibility:    domain.Visibility(visibility),
		ShareProject:  shareProject,
		ShareLanguage: shareLanguage,
		ShareActivity: shareActivity,
	}, nil
}

func (s *SQLiteStore) UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (handle, visibility, share_project, share_language, share_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			visibility = excluded.visibility,
			share_project = excluded.share_project,
			share_language = excluded.share_language,
			share_activity = excluded.share_activity`,
		prefs.Handle, string(prefs.Visibility), prefs.ShareProject, prefs.ShareLanguage, prefs.ShareActivity)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// ---- Invites ----

func (s *SQLiteStore) CreateInvite(ctx context.Context, code *domain.InviteCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (code, creator_handle, created_at, expires_at, used_by, used_at)
		VALUES (?, ?, ?, ?, '', NULL)`,
		code.Code, code.CreatorHandle, code.CreatedAt.Unix(), code.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInvite(ctx context.Context, code string) (*domain.InviteCode, error) {
	var creator, usedBy string
	var createdAt, expiresAt int64
	var usedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT creator_handle, created_at, expires_at, used_by, used_at
		FROM invites WHERE code = ?`, code).
		Scan(&creator, &createdAt, &expiresAt, &usedBy, &usedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query invite: %w", err)
	}

	inv := &domain.InviteCode{
		Code:          code,
		CreatorHandle: creator,
		CreatedAt:     time.Unix(createdAt, 0),
		ExpiresAt:     time.Unix(expiresAt, 0),
		UsedBy:        usedBy,
	}
	if usedAt.Valid {
		inv.UsedAt = time.Unix(usedAt.Int64, 0)
	}
	return inv, nil
}

func (s *SQLiteStore) RedeemInvite(ctx context.Context, code, usedBy string, usedAt time.Time) (bool, error) {
	var redeemed bool
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE invites SET used_by = ?, used_at = ?
			WHERE code = ? AND used_by = '' AND expires_at >= ?`,
			usedBy, usedAt.Unix(), code, usedAt.Unix())
		if err != nil {
			return fmt.Errorf("redeem invite: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("redeem invite rows affected: %w", err)
		}
		redeemed = rows > 0
		return nil
	})
	return redeemed, err
}

// ---- Chat ----

func (s *SQLiteStore) InsertChatMessage(ctx context.Context, msg *domain.ChatMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (from_handle, to_handle, body, created_at, read_at)
		VALUES (?, ?, ?, ?, NULL)`,
		msg.From, msg.To, msg.Body, msg.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert chat message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chat message last insert id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListChatHistory(ctx context.Context, a, b string, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_handle, to_handle, body, created_at, read_at
		FROM chat_messages
		WHERE (from_handle = ? AND to_handle = ?) OR (from_handle = ? AND to_handle = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var createdAt int64
		var readAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan chat message row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		if readAt.Valid {
			t := time.Unix(readAt.Int64, 0)
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history: %w", err)
	}

	// Reverse to chronological order (query above orders newest-first so
	// LIMIT keeps the most recent N).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkChatRead(ctx context.Context, to, from string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET read_at = ?
		WHERE to_handle = ? AND from_handle = ? AND read_at IS NULL`,
		at.Unix(), to, from)
	if err != nil {
		return 0, fmt.Errorf("mark chat read: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountUnread(ctx context.Context, to, from string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages
		WHERE to_handle = ? AND from_handle = ? AND read_at IS NULL`, to, from).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ---- Maintenance ----

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CountChatMessages(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chat messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	// VACUUM INTO produces a consistent, compacted copy without holding
	// a long-lived lock, same tool sqlite3's own backup docs recommend.
	escaped := strings.ReplaceAll(destPath, "'", "''")
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`VACUUM INTO '%s'`, escaped))
	if err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

func (s *SQLiteStore) RecordSnapshot(ctx context.Context, path string, createdAt time.Time, userCount, messageCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (path, created_at, user_count, message_count) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			created_at = excluded.created_at,
			user_count = excluded.user_count,
			message_count = excluded.message_count`,
		path, createdAt.Unix(), userCount, messageCount)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, created_at, user_count, message_count FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var createdAt int64
		if err := rows.Scan(&r.Path, &createdAt, &r.UserCount, &r.MessageCount); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSnapshotRecord(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete snapshot record: %w", err)
	}
	return nil
}
