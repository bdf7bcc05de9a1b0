package store

import (
	"context"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
)

// ListPostcards 按日期倒序返回用户的明信片。
func (s *Store) ListPostcards(ctx context.Context, userID uint) ([]model.Postcard, error) {
	cards := []model.Postcard{}
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("date DESC, id DESC").
		Find(&cards).Error; err != nil {
		return nil, err
	}
	return cards, nil
}

// FindPostcard 查询属于 userID 的明信片。
func (s *Store) FindPostcard(ctx context.Context, userID, id uint) (*model.Postcard, error) {
	var card model.Postcard
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&card).Error; err != nil {
		return nil, translate(err)
	}
	return &card, nil
}

func (s *Store) CreatePostcard(ctx context.Context, card *model.Postcard) error {
	return translate(s.db.WithContext(ctx).Create(card).Error)
}

// UpdatePostcard 更新可编辑字段（结构体更新，Images 走 JSON 序列化）。
func (s *Store) UpdatePostcard(ctx context.Context, card *model.Postcard) error {
	res := s.db.WithContext(ctx).Model(card).
		Where("user_id = ?", card.UserID).
		Select("title", "description", "date", "images", "updated_at").
		Updates(card)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePostcard 删除明信片。
func (s *Store) DeletePostcard(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.Postcard{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
