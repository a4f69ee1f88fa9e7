package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// SyntheticConfig shapes the random walk.
type SyntheticConfig struct {
	Base        float64
	Volatility  float64
	Band        float64
	JumpChance  float64
	MinInterval time.Duration
	MaxInterval time.Duration
	Seed        int64
}

// DefaultSyntheticConfig returns the walk used when no exchange is reachable.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Base:        2993.0,
		Volatility:  0.7,
		Band:        8,
		JumpChance:  0.03,
		MinInterval: 100 * time.Millisecond,
		MaxInterval: 120 * time.Millisecond,
	}
}

// SyntheticSource emits a bounded random walk around Base. Stream only
// returns once ctx is cancelled.
type SyntheticSource struct {
	cfg   SyntheticConfig
	rng   *rand.Rand
	price float64
}

// NewSyntheticSource creates a random-walk source.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	def := DefaultSyntheticConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = def.Volatility
	}
	if cfg.Band <= 0 {
		cfg.Band = def.Band
	}
	if cfg.JumpChance < 0 {
		cfg.JumpChance = 0
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SyntheticSource{cfg: cfg, rng: rand.New(rand.NewSource(seed)), price: cfg.Base}
}

// Name implements Source.
func (s *SyntheticSource) Name() string { return "synthetic" }

// Next advances the walk one step and returns the new price, rounded to
// cents and kept within Base ± Band.
func (s *SyntheticSource) Next() float64 {
	drift := (s.rng.Float64() - 0.502) * s.cfg.Volatility
	if s.rng.Float64() < s.cfg.JumpChance {
		drift += (s.rng.Float64() - 0.5) * s.cfg.Volatility * 4
	}
	p := s.price + drift
	p = math.Max(s.cfg.Base-s.cfg.Band, math.Min(s.cfg.Base+s.cfg.Band, p))
	s.price = math.Round(p*100) / 100
	return s.price
}

// Stream implements Source.
func (s *SyntheticSource) Stream(ctx context.Context, handle QuoteHandler) error {
	for {
		wait := s.cfg.MinInterval
		if spread := s.cfg.MaxInterval - s.cfg.MinInterval; spread > 0 {
			wait += time.Duration(s.rng.Int63n(int64(spread)))
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		p := decimal.NewFromFloat(s.Next())
		handle(ctx, domain.Quote{Bid: p, Ask: p, ReceivedAt: time.Now()})
	}
}
