package presence

import (
	"context"
	"time"

	"presencehub/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Sweeper 按固定周期清理过期会话。某一轮失败或被延迟不影响正确性，下一轮会继续处理。
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper 创建清扫器；interval <= 0 时取最小心跳间隔的一半，使在线状态最多滞后 1.5 倍间隔。
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = engine.MinInterval() / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{engine: engine, interval: interval}
}

func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run 阻塞直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.interval).Msg("presence sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("presence sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮清扫并记录指标。
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := s.engine.Sweep(ctx, s.engine.now())
	metrics.PresenceSweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn().Err(err).Int("expired", n).Msg("presence sweep")
		return n
	}
	if n > 0 {
		log.Debug().Int("expired", n).Msg("presence sweep")
	}
	return n
}
