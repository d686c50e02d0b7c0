package syncer

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Interval time.Duration // default: 5 minutes
	Jitter   time.Duration // default: 0

	// Пауза после подряд идущих неудачных циклов.
	Backoff1 time.Duration // default: 1 minute
	Backoff2 time.Duration // default: 5 minutes
	Backoff3 time.Duration // default: 15 minutes
	Backoff4 time.Duration // default: 30 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Interval: 5 * time.Minute,

		Backoff1: 1 * time.Minute,
		Backoff2: 5 * time.Minute,
		Backoff3: 15 * time.Minute,
		Backoff4: 30 * time.Minute,
	}
}

// Planner решает, сколько спать до следующего цикла.
type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// NextDelay: после удачного цикла обычный интервал (+ jitter), иначе шаг backoff
// по числу неудач подряд. Backoff не бывает короче обычного интервала.
func (p *Planner) NextDelay(failStreak int) time.Duration {
	base := p.cfg.Interval
	if p.cfg.Jitter >= time.Second {
		base += time.Duration(p.r.Intn(int(p.cfg.Jitter.Seconds())+1)) * time.Second
	}
	if failStreak <= 0 {
		return base
	}
	if b := p.BackoffDelay(failStreak); b > base {
		return b
	}
	return base
}

func (p *Planner) BackoffDelay(failStreak int) time.Duration {
	switch {
	case failStreak <= 1:
		return p.cfg.Backoff1
	case failStreak == 2:
		return p.cfg.Backoff2
	case failStreak == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
