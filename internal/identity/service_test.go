package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	mrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/cooldown"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/password"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/token"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/vcode"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alicePassword = "Passw0rd1"

type fixture struct {
	svc    *Service
	store  *memStore
	mail   *captureNotifier
	clock  *testClock
	tokens *token.Manager
	hasher *password.Hasher
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	st := newMemStore()
	mail := &captureNotifier{}
	tokens := token.NewManager("test-secret", time.Hour, token.WithClock(clock.Now))
	codes := vcode.NewGenerator(
		vcode.WithClock(clock.Now),
		vcode.WithRand(mrand.New(mrand.NewSource(42))),
	)
	hasher := password.NewHasher(4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := NewService(cfg, st, tokens, codes, hasher, password.NewPolicy(0), mail, logger, opts...)
	return &fixture{svc: svc, store: st, mail: mail, clock: clock, tokens: tokens, hasher: hasher}
}

// registerVerified 注册并完成邮箱验证。
func (f *fixture) registerVerified(t *testing.T, username, email string) model.PublicUser {
	t.Helper()
	_, err := f.svc.Register(context.Background(), username, email, alicePassword)
	require.NoError(t, err)
	sess, err := f.svc.VerifyEmail(context.Background(), email, f.mail.last().Code)
	require.NoError(t, err)
	return sess.User
}

func TestRegister_HashesPasswordAndSendsCode(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.svc.Register(context.Background(), "alice", "Alice@X.com", alicePassword)
	require.NoError(t, err)

	assert.Equal(t, "alice@x.com", res.User.Email)
	assert.False(t, res.User.EmailVerified)
	assert.False(t, res.User.TwoFactorEnabled)
	assert.Empty(t, res.Token)

	stored := f.store.get(res.User.ID)
	assert.NotEqual(t, alicePassword, stored.Password)
	assert.True(t, f.hasher.Verify(alicePassword, stored.Password))
	assert.False(t, f.hasher.Verify("Passw0rd2", stored.Password))

	msg := f.mail.last()
	assert.Equal(t, notify.PurposeVerifyEmail, msg.Purpose)
	assert.Equal(t, "alice@x.com", msg.To)
	assert.Len(t, msg.Code, 6)
	assert.True(t, msg.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.True(t, stored.Challenge.Pending(model.ChallengeEmailVerify))
}

func TestRegister_IssueTokenOnRegister(t *testing.T) {
	f := newFixture(t, Config{IssueTokenOnRegister: true})

	res, err := f.svc.Register(context.Background(), "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)

	claims, err := f.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.False(t, claims.EmailVerified)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, Config{})

	cases := []struct {
		name, username, email, password string
	}{
		{"missing username", "", "a@x.com", alicePassword},
		{"missing email", "alice", " ", alicePassword},
		{"missing password", "alice", "a@x.com", ""},
		{"too short", "alice", "a@x.com", "Pa1"},
		{"no digit", "alice", "a@x.com", "Password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tc.username, tc.email, tc.password)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 0, f.store.count())
}

func TestRegister_Conflict(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Register(context.Background(), "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)

	_, err = f.svc.Register(context.Background(), "alice", "other@x.com", alicePassword)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.svc.Register(context.Background(), "bob", "ALICE@x.com", alicePassword)
	assert.ErrorIs(t, err, ErrConflict)

	assert.Equal(t, 1, f.store.count())
}

func TestRegister_SucceedsWhenMailFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.mail.err = errors.New("smtp down")

	res, err := f.svc.Register(context.Background(), "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)
	assert.NotZero(t, res.User.ID)
	assert.Equal(t, 1, f.mail.count())
}

func TestRegister_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.err = errors.New("db down")

	_, err := f.svc.Register(context.Background(), "alice", "alice@x.com", alicePassword)
	require.Error(t, err)
	assert.Equal(t, "error", Reason(err))
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Register(context.Background(), "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)

	_, err = f.svc.Login(context.Background(), "nobody", alicePassword)
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.svc.Login(context.Background(), "alice", "Wrong-Passw0rd")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Login(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrValidation)

	// 密码正确但未验证邮箱
	_, err = f.svc.Login(context.Background(), "alice", alicePassword)
	assert.ErrorIs(t, err, ErrVerificationRequired)
	_, err = f.svc.Login(context.Background(), "ALICE@x.com", alicePassword)
	assert.ErrorIs(t, err, ErrVerificationRequired)
}

func TestAliceScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.svc.Register(ctx, "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)
	assert.False(t, res.User.EmailVerified)

	_, err = f.svc.Login(ctx, "alice", alicePassword)
	require.ErrorIs(t, err, ErrVerificationRequired)

	sess, err := f.svc.VerifyEmail(ctx, "alice@x.com", f.mail.last().Code)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	assert.True(t, sess.User.EmailVerified)

	claims, err := f.tokens.Verify(sess.Token)
	require.NoError(t, err)
	me, err := f.svc.Me(ctx, claims.UserID)
	require.NoError(t, err)
	assert.Equal(t, sess.User, me)

	stored := f.store.get(res.User.ID)
	assert.Empty(t, stored.Challenge.Code)
	assert.Nil(t, stored.Challenge.ExpiresAt)

	login, err := f.svc.Login(ctx, "alice", alicePassword)
	require.NoError(t, err)
	require.NotNil(t, login.Session)
	assert.False(t, login.RequiresTwoFactor)
}

func TestVerifyEmail_ExpiredAndInvalid(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)
	code := f.mail.last().Code

	_, err = f.svc.VerifyEmail(ctx, "alice@x.com", wrongCode(code))
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = f.svc.VerifyEmail(ctx, "nobody@x.com", code)
	assert.ErrorIs(t, err, ErrInvalidCode)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.VerifyEmail(ctx, "alice@x.com", code)
	assert.ErrorIs(t, err, ErrCodeExpired)
	assert.False(t, f.store.get(1).EmailVerified)
}

func TestVerifyEmail_AlreadyVerified(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerVerified(t, "alice", "alice@x.com")

	_, err := f.svc.VerifyEmail(context.Background(), "alice@x.com", "123456")
	assert.ErrorIs(t, err, ErrAlreadyVerified)
}

func TestTwoFactorScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@x.com")

	pub, err := f.svc.ToggleTwoFactor(ctx, user.ID, true)
	require.NoError(t, err)
	assert.True(t, pub.TwoFactorEnabled)
	sentBefore := f.mail.count()

	issuedAt := f.clock.Now()
	login, err := f.svc.Login(ctx, "alice", alicePassword)
	require.NoError(t, err)
	assert.True(t, login.RequiresTwoFactor)
	assert.Nil(t, login.Session)
	assert.Equal(t, user.ID, login.UserID)

	require.Equal(t, sentBefore+1, f.mail.count())
	msg := f.mail.last()
	assert.Equal(t, notify.PurposeTwoFactor, msg.Purpose)
	assert.True(t, msg.ExpiresAt.After(issuedAt))
	assert.True(t, msg.ExpiresAt.Equal(issuedAt.Add(10*time.Minute)))

	f.clock.Advance(9 * time.Minute)
	sess, err := f.svc.ConfirmTwoFactor(ctx, user.ID, msg.Code)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.True(t, sess.User.TwoFactorEnabled)

	_, err = f.svc.ConfirmTwoFactor(ctx, user.ID, msg.Code)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestConfirmTwoFactor_Expired(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@x.com")
	_, err := f.svc.ToggleTwoFactor(ctx, user.ID, true)
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "alice", alicePassword)
	require.NoError(t, err)
	code := f.mail.last().Code

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.ConfirmTwoFactor(ctx, user.ID, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestConfirmTwoFactor_UnknownUserAndValidation(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.ConfirmTwoFactor(context.Background(), 99, "123456")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.svc.ConfirmTwoFactor(context.Background(), 1, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewChallengeOverwritesPrevious(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@x.com")
	_, err := f.svc.ToggleTwoFactor(ctx, user.ID, true)
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "alice", alicePassword)
	require.NoError(t, err)
	first := f.mail.last().Code
	_, err = f.svc.Login(ctx, "alice", alicePassword)
	require.NoError(t, err)
	second := f.mail.last().Code
	require.NotEqual(t, first, second)

	_, err = f.svc.ConfirmTwoFactor(ctx, user.ID, first)
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = f.svc.ConfirmTwoFactor(ctx, user.ID, second)
	assert.NoError(t, err)
}

func TestChallengeKindsAreNotInterchangeable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@x.com")

	require.NoError(t, f.svc.ForgotPassword(ctx, "alice@x.com"))
	resetCode := f.mail.last().Code

	_, err := f.svc.ConfirmTwoFactor(ctx, user.ID, resetCode)
	assert.ErrorIs(t, err, ErrInvalidCode)

	// 重置码仍然有效
	require.NoError(t, f.svc.ResetPassword(ctx, "alice@x.com", resetCode, "N3w-Zeitkapsel"))
}

func TestConfirmTwoFactor_ConsumedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@x.com")
	_, err := f.svc.ToggleTwoFactor(ctx, user.ID, true)
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, "alice", alicePassword)
	require.NoError(t, err)
	code := f.mail.last().Code

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.ConfirmTwoFactor(ctx, user.ID, code); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestResendVerification(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, Config{}, WithCooldown(cooldown.New(rdb, "mail", time.Minute)))
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)
	oldCode := f.mail.last().Code

	require.NoError(t, f.svc.ResendVerification(ctx, "Alice@x.com"))
	newCode := f.mail.last().Code

	err = f.svc.ResendVerification(ctx, "alice@x.com")
	var retry *RetryAfterError
	require.ErrorAs(t, err, &retry)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	assert.Greater(t, retry.Wait, time.Duration(0))

	mr.FastForward(time.Minute)
	require.NoError(t, f.svc.ResendVerification(ctx, "alice@x.com"))
	latest := f.mail.last().Code

	if oldCode != latest {
		_, err = f.svc.VerifyEmail(ctx, "alice@x.com", oldCode)
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	if newCode != latest {
		_, err = f.svc.VerifyEmail(ctx, "alice@x.com", newCode)
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	_, err = f.svc.VerifyEmail(ctx, "alice@x.com", latest)
	require.NoError(t, err)

	mr.FastForward(time.Minute)
	sent := f.mail.count()
	require.NoError(t, f.svc.ResendVerification(ctx, "alice@x.com"))
	require.NoError(t, f.svc.ResendVerification(ctx, "nobody@x.com"))
	assert.Equal(t, sent, f.mail.count(), "no mail for verified or unknown addresses")
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.registerVerified(t, "alice", "alice@x.com")

	require.NoError(t, f.svc.ForgotPassword(ctx, "alice@x.com"))
	msg := f.mail.last()
	assert.Equal(t, notify.PurposePasswordReset, msg.Purpose)
	assert.True(t, msg.ExpiresAt.Equal(f.clock.Now().Add(15*time.Minute)))

	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "alice@x.com", msg.Code, "weak"), ErrValidation)
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "alice@x.com", wrongCode(msg.Code), "N3w-Zeitkapsel"), ErrInvalidCode)

	require.NoError(t, f.svc.ResetPassword(ctx, "alice@x.com", msg.Code, "N3w-Zeitkapsel"))
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "alice@x.com", msg.Code, "N3w-Zeitkapsel"), ErrInvalidCode)

	_, err := f.svc.Login(ctx, "alice", alicePassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	login, err := f.svc.Login(ctx, "alice", "N3w-Zeitkapsel")
	require.NoError(t, err)
	assert.NotNil(t, login.Session)
}

func TestForgotPassword_Rules(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "bob", "bob@x.com", alicePassword)
	require.NoError(t, err)

	sent := f.mail.count()
	bob, err := f.store.FindUserByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	verifyCode := bob.Challenge.Code

	// 未验证与不存在的邮箱得到与正常请求相同的结果
	require.NoError(t, f.svc.ForgotPassword(ctx, "bob@x.com"))
	require.NoError(t, f.svc.ForgotPassword(ctx, "nobody@x.com"))
	assert.ErrorIs(t, f.svc.ForgotPassword(ctx, ""), ErrValidation)
	assert.Equal(t, sent, f.mail.count())

	bob, err = f.store.FindUserByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeEmailVerify, bob.Challenge.Kind)
	assert.Equal(t, verifyCode, bob.Challenge.Code)
}

func TestForgotPassword_CooldownDoesNotRevealAccount(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, Config{}, WithCooldown(cooldown.New(rdb, "mail", time.Minute)))
	ctx := context.Background()
	f.registerVerified(t, "alice", "alice@x.com")

	for _, email := range []string{"alice@x.com", "nobody@x.com"} {
		require.NoError(t, f.svc.ForgotPassword(ctx, email))
		err := f.svc.ForgotPassword(ctx, email)
		assert.ErrorIs(t, err, ErrTooManyRequests, email)
	}
}

func TestResetPassword_Expired(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.registerVerified(t, "alice", "alice@x.com")
	require.NoError(t, f.svc.ForgotPassword(ctx, "alice@x.com"))
	code := f.mail.last().Code

	f.clock.Advance(16 * time.Minute)
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "alice@x.com", code, "N3w-Zeitkapsel"), ErrCodeExpired)
}

func TestToggleMeAndDelete(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@x.com")

	_, err := f.svc.ToggleTwoFactor(ctx, 42, true)
	assert.ErrorIs(t, err, ErrUserNotFound)

	pub, err := f.svc.ToggleTwoFactor(ctx, user.ID, true)
	require.NoError(t, err)
	assert.True(t, pub.TwoFactorEnabled)
	pub, err = f.svc.ToggleTwoFactor(ctx, user.ID, false)
	require.NoError(t, err)
	assert.False(t, pub.TwoFactorEnabled)

	images, err := f.svc.DeleteAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1/a.jpg"}, images)

	_, err = f.svc.Me(ctx, user.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = f.svc.DeleteAccount(ctx, user.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "ok", Reason(nil))
	assert.Equal(t, "validation", Reason(validation("x")))
	assert.Equal(t, "too_many_requests", Reason(&RetryAfterError{Wait: time.Second}))
	assert.Equal(t, "code_expired", Reason(ErrCodeExpired))
}

func wrongCode(code string) string {
	if code == "999999" {
		return "100000"
	}
	return "999999"
}
