// Package relstore owns the relationship tables: follows, blocks, saves,
// community bans and the community moderation log. Every mutation is
// idempotent, so callers may safely replay partially-applied work.
package relstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jim-taylor-business/lemmy/models"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Person{},
		&models.Community{},
		&models.Post{},
		&models.Comment{},
		&models.LocalUser{},
		&models.CommunityFollow{},
		&models.CommunityBlock{},
		&models.PersonBlock{},
		&models.PostSave{},
		&models.CommunityPersonBan{},
		&models.ModBanFromCommunity{},
	)
}

type FollowForm struct {
	PersonID    uint
	CommunityID uint
	Pending     bool
}

func (s *Store) Follow(ctx context.Context, form *FollowForm) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.CommunityFollow{
		PersonID:    form.PersonID,
		CommunityID: form.CommunityID,
		Pending:     form.Pending,
	}).Error
}

func (s *Store) Unfollow(ctx context.Context, personID, communityID uint) error {
	return s.db.WithContext(ctx).Where("person_id = ? AND community_id = ?", personID, communityID).Delete(&models.CommunityFollow{}).Error
}

func (s *Store) BlockCommunity(ctx context.Context, personID, communityID uint) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.CommunityBlock{
		PersonID:    personID,
		CommunityID: communityID,
	}).Error
}

func (s *Store) UnblockCommunity(ctx context.Context, personID, communityID uint) error {
	return s.db.WithContext(ctx).Where("person_id = ? AND community_id = ?", personID, communityID).Delete(&models.CommunityBlock{}).Error
}

func (s *Store) BlockPerson(ctx context.Context, personID, targetID uint) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.PersonBlock{
		PersonID: personID,
		TargetID: targetID,
	}).Error
}

func (s *Store) UnblockPerson(ctx context.Context, personID, targetID uint) error {
	return s.db.WithContext(ctx).Where("person_id = ? AND target_id = ?", personID, targetID).Delete(&models.PersonBlock{}).Error
}

func (s *Store) SavePost(ctx context.Context, personID, postID uint) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.PostSave{
		PersonID: personID,
		PostID:   postID,
	}).Error
}

type BanForm struct {
	PersonID    uint
	CommunityID uint
	Expires     *time.Time
}

// BanFromCommunity upserts the ban row; re-banning refreshes the expiry.
func (s *Store) BanFromCommunity(ctx context.Context, form *BanForm) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "person_id"}, {Name: "community_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires", "updated_at"}),
	}).Create(&models.CommunityPersonBan{
		PersonID:    form.PersonID,
		CommunityID: form.CommunityID,
		Expires:     form.Expires,
	}).Error
}

func (s *Store) UnbanFromCommunity(ctx context.Context, personID, communityID uint) error {
	return s.db.WithContext(ctx).Where("person_id = ? AND community_id = ?", personID, communityID).Delete(&models.CommunityPersonBan{}).Error
}

type ModLogForm struct {
	ModPersonID   uint
	OtherPersonID uint
	CommunityID   uint
	Banned        bool
	Reason        *string
	Expires       *time.Time
}

func (s *Store) CreateModLogEntry(ctx context.Context, form *ModLogForm) error {
	return s.db.WithContext(ctx).Create(&models.ModBanFromCommunity{
		ModPersonID:   form.ModPersonID,
		OtherPersonID: form.OtherPersonID,
		CommunityID:   form.CommunityID,
		Banned:        form.Banned,
		Reason:        form.Reason,
		Expires:       form.Expires,
	}).Error
}

// ListLocalCommunityIDs returns the distinct local communities the person has
// participated in, through posts or comments. This is the fan-out set for a
// site ban of a remote account.
func (s *Store) ListLocalCommunityIDs(ctx context.Context, personID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT c.id FROM communities c
		JOIN posts p ON p.community_id = c.id
		WHERE c.local AND p.creator_id = ?
		UNION
		SELECT DISTINCT c.id FROM communities c
		JOIN posts p ON p.community_id = c.id
		JOIN comments cm ON cm.post_id = p.id
		WHERE c.local AND cm.creator_id = ?
		ORDER BY 1`, personID, personID).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RelationshipLists are the four ap_id projections that go into a user
// backup.
type RelationshipLists struct {
	FollowedCommunities []string
	BlockedCommunities  []string
	BlockedUsers        []string
	SavedPosts          []string
}

func (s *Store) ExportLists(ctx context.Context, personID uint) (*RelationshipLists, error) {
	db := s.db.WithContext(ctx)
	lists := &RelationshipLists{}

	if err := db.Model(&models.CommunityFollow{}).
		Joins("JOIN communities ON communities.id = community_follows.community_id").
		Where("community_follows.person_id = ?", personID).
		Order("community_follows.id").
		Pluck("communities.ap_id", &lists.FollowedCommunities).Error; err != nil {
		return nil, err
	}

	if err := db.Model(&models.CommunityBlock{}).
		Joins("JOIN communities ON communities.id = community_blocks.community_id").
		Where("community_blocks.person_id = ?", personID).
		Order("community_blocks.id").
		Pluck("communities.ap_id", &lists.BlockedCommunities).Error; err != nil {
		return nil, err
	}

	if err := db.Model(&models.PersonBlock{}).
		Joins("JOIN people ON people.id = person_blocks.target_id").
		Where("person_blocks.person_id = ?", personID).
		Order("person_blocks.id").
		Pluck("people.ap_id", &lists.BlockedUsers).Error; err != nil {
		return nil, err
	}

	if err := db.Model(&models.PostSave{}).
		Joins("JOIN posts ON posts.id = post_saves.post_id").
		Where("post_saves.person_id = ?", personID).
		Order("post_saves.id").
		Pluck("posts.ap_id", &lists.SavedPosts).Error; err != nil {
		return nil, err
	}

	return lists, nil
}
