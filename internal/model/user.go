package model

import "time"

// ChallengeKind 标识验证码的用途。
type ChallengeKind string

const (
	ChallengeNone          ChallengeKind = ""
	ChallengeEmailVerify   ChallengeKind = "email_verify"
	ChallengeTwoFactor     ChallengeKind = "two_factor"
	ChallengePasswordReset ChallengeKind = "password_reset"
)

// Challenge 是挂在用户上的待验证码。
//
// 每个用户同一时刻最多一个未消费的 Challenge，签发新码会覆盖旧码。
// Code 与 ExpiresAt 要么同时为空，要么同时有值。
type Challenge struct {
	Kind      ChallengeKind `gorm:"type:varchar(32);default:''"` // 用途
	Code      string        `gorm:"type:varchar(16);default:''"` // 6 位数字
	ExpiresAt *time.Time    // 过期时间
}

// Pending 判断是否存在指定类型的待验证码。
func (c Challenge) Pending(kind ChallengeKind) bool {
	return c.Kind == kind && c.Code != "" && c.ExpiresAt != nil
}

// Expired 判断验证码在 now 时刻是否已过期（now >= ExpiresAt）。
func (c Challenge) Expired(now time.Time) bool {
	return c.ExpiresAt == nil || !now.Before(*c.ExpiresAt)
}

// User 表示系统用户。
type User struct {
	ID               uint      `gorm:"primaryKey"`                              // 用户 ID
	Username         string    `gorm:"type:varchar(64);uniqueIndex;not null"`   // 用户名（唯一）
	Email            string    `gorm:"type:varchar(191);uniqueIndex;not null"`  // 邮箱（唯一，小写存储）
	Password         string    `gorm:"not null"`                                // bcrypt 哈希
	EmailVerified    bool      `gorm:"default:false"`                           // 邮箱是否已验证
	TwoFactorEnabled bool      `gorm:"column:two_factor_enabled;default:false"` // 是否开启两步验证
	Challenge        Challenge `gorm:"embedded;embeddedPrefix:challenge_"`      // 待验证码
	CreatedAt        time.Time // 创建时间
	UpdatedAt        time.Time // 更新时间

	Postcards []Postcard `gorm:"foreignKey:UserID"`
}

// PublicUser 是对外暴露的用户字段，不包含密码与验证码。
type PublicUser struct {
	ID               uint   `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	EmailVerified    bool   `json:"email_verified"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

// Public 返回可序列化给客户端的用户视图。
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		EmailVerified:    u.EmailVerified,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}
