package models

import (
	"time"

	"gorm.io/gorm"
)

// Person is any actor we know about, local or remote. ApID is the canonical
// federation identifier for the actor.
type Person struct {
	gorm.Model
	Name         string `gorm:"index"`
	DisplayName  string
	Bio          string
	Avatar       string
	Banner       string
	MatrixUserID string
	BotAccount   bool
	ApID         string `gorm:"uniqueIndex;column:ap_id"`
	Local        bool
}

type Community struct {
	gorm.Model
	Name  string `gorm:"index"`
	Title string
	ApID  string `gorm:"uniqueIndex;column:ap_id"`
	Local bool
}

type Post struct {
	gorm.Model
	Title       string
	Url         string
	CreatorID   uint   `gorm:"index"`
	CommunityID uint   `gorm:"index"`
	ApID        string `gorm:"uniqueIndex;column:ap_id"`
	Local       bool
}

type Comment struct {
	gorm.Model
	Content   string
	CreatorID uint   `gorm:"index"`
	PostID    uint   `gorm:"index"`
	ApID      string `gorm:"uniqueIndex;column:ap_id"`
	Local     bool
}

// LocalUser holds the settings row for a local account. Every field here can
// be carried in a user backup, so renaming columns breaks old snapshots.
type LocalUser struct {
	gorm.Model
	PersonID                 uint `gorm:"uniqueIndex"`
	Theme                    string
	InterfaceLanguage        string
	DefaultSortType          string
	DefaultListingType       string
	ShowNsfw                 bool
	BlurNsfw                 bool
	ShowAvatars              bool
	ShowScores               bool
	ShowBotAccounts          bool
	ShowReadPosts            bool
	SendNotificationsToEmail bool
	OpenLinksInNewTab        bool
	InfiniteScrollEnabled    bool
}

// Relationship rows. Each (subject, object) pair gets at most one row,
// enforced by the unique composite index; writes go through relstore which
// upserts accordingly. No soft delete here: removing a relationship removes
// the row, so the pair can be re-asserted later.

type CommunityFollow struct {
	ID          uint      `gorm:"primarykey"`
	CreatedAt   time.Time `gorm:"not null"`
	PersonID    uint      `gorm:"index:idx_community_follow,unique"`
	CommunityID uint      `gorm:"index:idx_community_follow,unique"`
	Pending     bool
}

type CommunityBlock struct {
	ID          uint      `gorm:"primarykey"`
	CreatedAt   time.Time `gorm:"not null"`
	PersonID    uint      `gorm:"index:idx_community_block,unique"`
	CommunityID uint      `gorm:"index:idx_community_block,unique"`
}

type PersonBlock struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"not null"`
	PersonID  uint      `gorm:"index:idx_person_block,unique"`
	TargetID  uint      `gorm:"index:idx_person_block,unique"`
}

type PostSave struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"not null"`
	PersonID  uint      `gorm:"index:idx_post_save,unique"`
	PostID    uint      `gorm:"index:idx_post_save,unique"`
}
