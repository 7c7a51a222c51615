// Package backup implements portable user data snapshots: export of a local
// account's profile, settings and relationships, and import of such a
// snapshot onto an account, resolving every referenced object first.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/jim-taylor-business/lemmy/models"
	"github.com/jim-taylor-business/lemmy/relstore"
)

var tracer = otel.Tracer("backup")

// MaxImportRefCount is the maximum number of follow/block URLs which can be
// imported at once, to prevent a single snapshot from overloading the server
// and its federation peers. Larger backups have to be split by the user.
const MaxImportRefCount = 1000

// ErrBackupTooLarge is returned when a snapshot carries more references than
// MaxImportRefCount.
var ErrBackupTooLarge = errors.New("backup exceeds maximum reference count")

// UserBackup is the snapshot document. It is kept by users as a long-term
// offline backup, so the schema must stay backward-readable forever: fields
// may be added (optional, with collections defaulting to empty) but never
// renamed, removed or repurposed. Clients should treat it as an opaque file.
type UserBackup struct {
	DisplayName *string         `json:"display_name,omitempty"`
	Bio         *string         `json:"bio,omitempty"`
	Avatar      *string         `json:"avatar,omitempty"`
	Banner      *string         `json:"banner,omitempty"`
	MatrixID    *string         `json:"matrix_id,omitempty"`
	BotAccount  *bool           `json:"bot_account,omitempty"`
	Settings    *SettingsBackup `json:"settings,omitempty"`

	FollowedCommunities []string `json:"followed_communities"`
	BlockedCommunities  []string `json:"blocked_communities"`
	BlockedUsers        []string `json:"blocked_users"`
	SavedPosts          []string `json:"saved_posts"`
}

// SettingsBackup mirrors the LocalUser settings row. Every field is optional
// so partial backups import cleanly: a nil field leaves the current value
// untouched.
type SettingsBackup struct {
	Theme                    *string `json:"theme,omitempty"`
	InterfaceLanguage        *string `json:"interface_language,omitempty"`
	DefaultSortType          *string `json:"default_sort_type,omitempty"`
	DefaultListingType       *string `json:"default_listing_type,omitempty"`
	ShowNsfw                 *bool   `json:"show_nsfw,omitempty"`
	BlurNsfw                 *bool   `json:"blur_nsfw,omitempty"`
	ShowAvatars              *bool   `json:"show_avatars,omitempty"`
	ShowScores               *bool   `json:"show_scores,omitempty"`
	ShowBotAccounts          *bool   `json:"show_bot_accounts,omitempty"`
	ShowReadPosts            *bool   `json:"show_read_posts,omitempty"`
	SendNotificationsToEmail *bool   `json:"send_notifications_to_email,omitempty"`
	OpenLinksInNewTab        *bool   `json:"open_links_in_new_tab,omitempty"`
	InfiniteScrollEnabled    *bool   `json:"infinite_scroll_enabled,omitempty"`
}

// Codec produces and consumes UserBackup documents.
type Codec struct {
	db       *gorm.DB
	store    *relstore.Store
	importer *Importer
	sanitize *bluemonday.Policy
	log      *slog.Logger
}

func NewCodec(db *gorm.DB, store *relstore.Store, importer *Importer) *Codec {
	return &Codec{
		db:       db,
		store:    store,
		importer: importer,
		sanitize: bluemonday.StrictPolicy(),
		log:      slog.With("source", "backup"),
	}
}

// Export gathers the subject's profile, settings and relationship lists into
// a snapshot. Pure read; the same account state always yields the same
// document.
func (c *Codec) Export(ctx context.Context, subject *models.Person) (*UserBackup, error) {
	ctx, span := tracer.Start(ctx, "Export")
	defer span.End()

	var lu models.LocalUser
	if err := c.db.WithContext(ctx).First(&lu, "person_id = ?", subject.ID).Error; err != nil {
		return nil, fmt.Errorf("reading settings for export: %w", err)
	}

	lists, err := c.store.ExportLists(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("reading relationship lists for export: %w", err)
	}

	return &UserBackup{
		DisplayName: optString(subject.DisplayName),
		Bio:         optString(subject.Bio),
		Avatar:      optString(subject.Avatar),
		Banner:      optString(subject.Banner),
		MatrixID:    optString(subject.MatrixUserID),
		BotAccount:  &subject.BotAccount,
		Settings: &SettingsBackup{
			Theme:                    &lu.Theme,
			InterfaceLanguage:        &lu.InterfaceLanguage,
			DefaultSortType:          &lu.DefaultSortType,
			DefaultListingType:       &lu.DefaultListingType,
			ShowNsfw:                 &lu.ShowNsfw,
			BlurNsfw:                 &lu.BlurNsfw,
			ShowAvatars:              &lu.ShowAvatars,
			ShowScores:               &lu.ShowScores,
			ShowBotAccounts:          &lu.ShowBotAccounts,
			ShowReadPosts:            &lu.ShowReadPosts,
			SendNotificationsToEmail: &lu.SendNotificationsToEmail,
			OpenLinksInNewTab:        &lu.OpenLinksInNewTab,
			InfiniteScrollEnabled:    &lu.InfiniteScrollEnabled,
		},
		FollowedCommunities: lists.FollowedCommunities,
		BlockedCommunities:  lists.BlockedCommunities,
		BlockedUsers:        lists.BlockedUsers,
		SavedPosts:          lists.SavedPosts,
	}, nil
}

// Import applies a snapshot onto subject. Profile and settings fields are
// applied synchronously; the relationship collections are handed to the
// importer as a detached background operation, so the call returns before any
// relationship row exists.
//
// An oversized snapshot is rejected before any relationship mutation, but
// after the profile/settings writes. That inconsistency window is accepted:
// both writes are harmless to re-run.
func (c *Codec) Import(ctx context.Context, subject *models.Person, b *UserBackup) error {
	ctx, span := tracer.Start(ctx, "Import")
	defer span.End()

	if err := c.applyProfile(ctx, subject, b); err != nil {
		return err
	}

	if b.Settings != nil {
		if err := c.applySettings(ctx, subject.ID, b.Settings); err != nil {
			return err
		}
	}

	// Saved posts intentionally stay outside the count; importing them only
	// fetches content the user already engaged with.
	refs := len(b.FollowedCommunities) + len(b.BlockedCommunities) + len(b.BlockedUsers)
	if refs > MaxImportRefCount {
		c.log.Warn("rejecting oversized backup", "person_id", subject.ID, "refs", refs)
		return fmt.Errorf("%w: %d references", ErrBackupTooLarge, refs)
	}

	c.importer.Spawn(subject.ID, &relstore.RelationshipLists{
		FollowedCommunities: b.FollowedCommunities,
		BlockedCommunities:  b.BlockedCommunities,
		BlockedUsers:        b.BlockedUsers,
		SavedPosts:          b.SavedPosts,
	})

	return nil
}

func (c *Codec) applyProfile(ctx context.Context, subject *models.Person, b *UserBackup) error {
	updates := map[string]any{}
	if b.DisplayName != nil {
		updates["display_name"] = c.sanitize.Sanitize(*b.DisplayName)
	}
	if b.Bio != nil {
		updates["bio"] = c.sanitize.Sanitize(*b.Bio)
	}
	if b.Avatar != nil {
		updates["avatar"] = *b.Avatar
	}
	if b.Banner != nil {
		updates["banner"] = *b.Banner
	}
	if b.MatrixID != nil {
		updates["matrix_user_id"] = *b.MatrixID
	}
	if b.BotAccount != nil {
		updates["bot_account"] = *b.BotAccount
	}
	if len(updates) == 0 {
		return nil
	}

	if err := c.db.WithContext(ctx).Model(&models.Person{}).Where("id = ?", subject.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("applying profile fields: %w", err)
	}
	return nil
}

func (c *Codec) applySettings(ctx context.Context, personID uint, s *SettingsBackup) error {
	updates := map[string]any{}
	setString(updates, "theme", s.Theme)
	setString(updates, "interface_language", s.InterfaceLanguage)
	setString(updates, "default_sort_type", s.DefaultSortType)
	setString(updates, "default_listing_type", s.DefaultListingType)
	setBool(updates, "show_nsfw", s.ShowNsfw)
	setBool(updates, "blur_nsfw", s.BlurNsfw)
	setBool(updates, "show_avatars", s.ShowAvatars)
	setBool(updates, "show_scores", s.ShowScores)
	setBool(updates, "show_bot_accounts", s.ShowBotAccounts)
	setBool(updates, "show_read_posts", s.ShowReadPosts)
	setBool(updates, "send_notifications_to_email", s.SendNotificationsToEmail)
	setBool(updates, "open_links_in_new_tab", s.OpenLinksInNewTab)
	setBool(updates, "infinite_scroll_enabled", s.InfiniteScrollEnabled)
	if len(updates) == 0 {
		return nil
	}

	if err := c.db.WithContext(ctx).Model(&models.LocalUser{}).Where("person_id = ?", personID).Updates(updates).Error; err != nil {
		return fmt.Errorf("applying settings fields: %w", err)
	}
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func setString(updates map[string]any, col string, val *string) {
	if val != nil {
		updates[col] = *val
	}
}

func setBool(updates map[string]any, col string, val *bool) {
	if val != nil {
		updates[col] = *val
	}
}
