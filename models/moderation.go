package models

import (
	"time"
)

// CommunityPersonBan marks a person as banned from a community. Re-banning
// updates Expires in place rather than creating a second row.
type CommunityPersonBan struct {
	ID          uint      `gorm:"primarykey"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
	PersonID    uint `gorm:"index:idx_community_person_ban,unique"`
	CommunityID uint `gorm:"index:idx_community_person_ban,unique"`
	Expires     *time.Time
}

// ModBanFromCommunity is the append-only moderation log for community
// ban/unban actions. Rows are never updated or deleted.
type ModBanFromCommunity struct {
	ID            uint      `gorm:"primaryKey"`
	CreatedAt     time.Time `gorm:"not null"`
	ModPersonID   uint      `gorm:"index;not null"`
	OtherPersonID uint      `gorm:"index;not null"`
	CommunityID   uint      `gorm:"index;not null"`
	Banned        bool      `gorm:"not null"`
	Reason        *string
	Expires       *time.Time
}
