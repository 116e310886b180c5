// Package store provides data persistence interfaces and implementations
// for the presence broker (§3 Data Model, §6 Persisted schema).
package store

import (
	"context"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
)

// Repository defines the interface for persisting presence-broker state.
// Upserts are idempotent; InsertChatMessage appends a new row on every
// call. ReplaceRelationships, AddManualConnection and
// RemoveManualConnection are the transactional multi-row writes (§5
// "Shared-resource policy").
type Repository interface {
	// Users.

	GetUser(ctx context.Context, handle string) (*domain.User, error)
	GetUserByIdentityID(ctx context.Context, identityID int64) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, handle string, lastSeen time.Time) error

	// Relationship edges (identity-provider-derived, directed).

	// ReplaceRelationships atomically replaces every edge owned by
	// identityID with edges, per the invariant "Entire edge set for a
	// user is replaced transactionally on each authenticated admission."
	ReplaceRelationships(ctx context.Context, identityID int64, edges []domain.RelationshipEdge) error
	GetFollowerIDs(ctx context.Context, identityID int64) ([]int64, error)
	GetFollowingIDs(ctx context.Context, identityID int64) ([]int64, error)

	// Close friends.

	AddCloseFriend(ctx context.Context, ownerID, friendID int64) error
	RemoveCloseFriend(ctx context.Context, ownerID, friendID int64) error
	GetCloseFriendIDs(ctx context.Context, ownerID int64) ([]int64, error)
	IsCloseFriend(ctx context.Context, ownerID, friendID int64) (bool, error)

	// Manual connections (bidirectional, stored as two directed rows).

	AddManualConnection(ctx context.Context, a, b string) error
	RemoveManualConnection(ctx context.Context, a, b string) error
	IsManuallyConnected(ctx context.Context, a, b string) (bool, error)
	ListManualConnectionPeers(ctx context.Context, handle string) ([]string, error)

	// Aliases (§9 "Username resolution").

	GetAliasByGuestHandle(ctx context.Context, guestHandle string) (login string, identityID int64, ok bool, err error)
	PutAlias(ctx context.Context, login, guestHandle string, identityID int64) error

	// Preferences.

	GetPreferences(ctx context.Context, handle string) (*domain.Preferences, error)
	UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error

	// Invite codes (§4.8, §4.9).

	CreateInvite(ctx context.Context, code *domain.InviteCode) error
	GetInvite(ctx context.Context, code string) (*domain.InviteCode, error)
	// RedeemInvite atomically marks code used by usedBy at usedAt, but
	// only if it is still Fresh; it reports whether the redemption
	// happened so the caller never redeems the same code twice.
	RedeemInvite(ctx context.Context, code, usedBy string, usedAt time.Time) (bool, error)

	// Chat (§4.7).

	InsertChatMessage(ctx context.Context, msg *domain.ChatMessage) (int64, error)
	ListChatHistory(ctx context.Context, a, b string, limit int) ([]domain.ChatMessage, error)
	MarkChatRead(ctx context.Context, to, from string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, to, from string) (int, error)

	// Maintenance.

	// CountUsers and CountChatMessages report total row counts, used by
	// the backup worker to populate SnapshotRecord before recording it.
	CountUsers(ctx context.Context) (int, error)
	CountChatMessages(ctx context.Context) (int, error)

	// Snapshot writes a consistent copy of the database to destPath
	// (§6 "Operational outputs"). It records nothing; RecordSnapshot
	// adds the retention bookkeeping row.
	Snapshot(ctx context.Context, destPath string) error
	RecordSnapshot(ctx context.Context, path string, createdAt time.Time, userCount, messageCount int) error
	ListSnapshots(ctx context.Context) ([]SnapshotRecord, error)
	DeleteSnapshotRecord(ctx context.Context, path string) error

	Ping(ctx context.Context) error
	Close() error
}

// SnapshotRecord describes one completed backup.
type SnapshotRecord struct {
	Path         string
	CreatedAt    time.Time
	UserCount    int
	MessageCount int
}
