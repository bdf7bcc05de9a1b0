package vcode

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"
)

const (
	Min = 100000
	Max = 999999
)

var span = big.NewInt(Max - Min + 1)

// Generator produces 6-digit numeric codes with an absolute expiry.
type Generator struct {
	rand io.Reader
	now  func() time.Time
}

type Option func(*Generator)

func WithRand(r io.Reader) Option {
	return func(g *Generator) {
		g.rand = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator defaults to crypto/rand and time.Now.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		rand: rand.Reader,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a code in [Min, Max] valid for ttl from now.
func (g *Generator) Generate(ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("invalid code ttl %s", ttl)
	}
	n, err := rand.Int(g.rand, span)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64()+Min)
	return code, g.now().Add(ttl), nil
}
