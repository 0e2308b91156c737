// Package policy decides whether two users may communicate. The only policy
// today is the mutual block list.
package policy

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tariel-x/callbridge/internal/models"
)

// ErrSelfBlock rejects blocking yourself.
var ErrSelfBlock = errors.New("cannot block yourself")

// BlockList is the persistent block-pair store.
type BlockList struct {
	db *gorm.DB
}

func NewBlockList(db *gorm.DB) *BlockList {
	return &BlockList{db: db}
}

// CanCommunicate reports whether neither side has blocked the other. Calls,
// like messages, are refused in both directions of a block.
func (b *BlockList) CanCommunicate(ctx context.Context, userID, otherID string) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&models.BlockedUser{}).
		Where("(user_id = ? AND blocked_id = ?) OR (user_id = ? AND blocked_id = ?)",
			userID, otherID, otherID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// Block records that userID blocks otherID. Re-blocking is a no-op.
func (b *BlockList) Block(ctx context.Context, userID, otherID string) error {
	if userID == otherID {
		return ErrSelfBlock
	}
	row := models.BlockedUser{UserID: userID, BlockedID: otherID}
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// Unblock removes userID's block of otherID, if any.
func (b *BlockList) Unblock(ctx context.Context, userID, otherID string) error {
	return b.db.WithContext(ctx).
		Where("user_id = ? AND blocked_id = ?", userID, otherID).
		Delete(&models.BlockedUser{}).Error
}

// IsBlocked reports whether userID has blocked otherID (one direction only).
func (b *BlockList) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&models.BlockedUser{}).
		Where("user_id = ? AND blocked_id = ?", userID, otherID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Blocked lists the users userID has blocked.
func (b *BlockList) Blocked(ctx context.Context, userID string) ([]models.BlockedUser, error) {
	var rows []models.BlockedUser
	err := b.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
