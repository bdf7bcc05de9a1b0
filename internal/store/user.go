package store

import (
	"context"
	"strings"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"

	"gorm.io/gorm"
)

// CreateUser 插入新用户，用户名或邮箱冲突时返回 ErrDuplicate。
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return translate(s.db.WithContext(ctx).Create(user).Error)
}

// FindUserByID 按 ID 查询用户。
func (s *Store) FindUserByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// FindUserByEmail 按邮箱（小写）查询用户。
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// FindUserByLogin 按用户名或邮箱查询用户，邮箱不区分大小写。
func (s *Store) FindUserByLogin(ctx context.Context, identifier string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", identifier, strings.ToLower(identifier)).
		First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// UserExists 判断用户名或邮箱是否已被占用。
func (s *Store) UserExists(ctx context.Context, username, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("username = ? OR email = ?", username, strings.ToLower(email)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetChallenge 覆盖用户当前的验证码。
func (s *Store) SetChallenge(ctx context.Context, userID uint, ch model.Challenge) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"challenge_kind":       string(ch.Kind),
			"challenge_code":       ch.Code,
			"challenge_expires_at": ch.ExpiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeChallenge 原子地校验并清除验证码。
//
// 仅当 kind、code 匹配且 now 早于过期时间时更新成功；extra 中的列会在同一条
// UPDATE 中写入。返回 false 表示没有行被更新，调用方需自行区分失败原因。
func (s *Store) ConsumeChallenge(ctx context.Context, userID uint, kind model.ChallengeKind, code string, now time.Time, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"challenge_kind":       string(model.ChallengeNone),
		"challenge_code":       "",
		"challenge_expires_at": nil,
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND challenge_kind = ? AND challenge_code = ? AND challenge_expires_at > ?",
			userID, string(kind), code, now).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkEmailVerified 直接把用户标记为已验证邮箱，不经过验证码。
func (s *Store) MarkEmailVerified(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("email_verified", true).Error
}

// SetTwoFactor 更新两步验证开关。
func (s *Store) SetTwoFactor(ctx context.Context, userID uint, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("two_factor_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// DeleteUser 在一个事务中删除用户及其全部明信片，返回需要清理的图片 key。
func (s *Store) DeleteUser(ctx context.Context, userID uint) ([]string, error) {
	var images []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cards []model.Postcard
		if err := tx.Where("user_id = ?", userID).Find(&cards).Error; err != nil {
			return err
		}
		for _, card := range cards {
			images = append(images, card.Images...)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&model.Postcard{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", userID).Delete(&model.User{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return images, nil
}
