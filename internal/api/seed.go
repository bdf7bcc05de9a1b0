package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/store"
)

const (
	demoUsername = "demo"
	demoEmail    = "demo@chronoz.local"
)

// SeedDemoData 初始化演示账号（已验证邮箱）与一张示例明信片。
func (s *Server) SeedDemoData(ctx context.Context) error {
	user, err := s.users.FindUserByEmail(ctx, demoEmail)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		hash, hashErr := s.hasher.Hash(s.cfg.Security.DemoPassword)
		if hashErr != nil {
			return hashErr
		}
		user = &model.User{
			Username:      demoUsername,
			Email:         demoEmail,
			Password:      hash,
			EmailVerified: true,
		}
		if err := s.users.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("create demo user: %w", err)
		}
		s.logger.Info("demo user created", slog.Uint64("user_id", uint64(user.ID)))
	} else if !user.EmailVerified {
		// 演示账号始终可以直接登录
		if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
			return fmt.Errorf("verify demo user: %w", err)
		}
	}

	cards, err := s.postcards.ListPostcards(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(cards) > 0 {
		return nil
	}
	sample := &model.Postcard{
		UserID:      user.ID,
		Title:       "Erster Tag am Meer",
		Description: "Sonne, Wind und Sand in den Schuhen.",
		Date:        "2019-07-14",
		Images:      []string{},
	}
	if err := s.postcards.CreatePostcard(ctx, sample); err != nil {
		return fmt.Errorf("create demo postcard: %w", err)
	}
	return nil
}
