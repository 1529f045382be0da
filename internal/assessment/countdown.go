package assessment

import (
	"time"

	"go.uber.org/zap"
)

// countdown один запущенный таймер сессии
type countdown struct {
	stop chan struct{}
	done chan struct{}
}

func (c *Controller) startCountdownLocked(expiresAt time.Time) {
	c.stopCountdownLocked()

	cd := &countdown{stop: make(chan struct{}), done: make(chan struct{})}
	c.countdown = cd
	c.remaining = remainingSeconds(expiresAt, c.now())
	go c.runCountdown(cd, expiresAt)
}

func (c *Controller) stopCountdownLocked() {
	if c.countdown != nil {
		close(c.countdown.stop)
		c.countdown = nil
	}
}

func (c *Controller) runCountdown(cd *countdown, expiresAt time.Time) {
	defer close(cd.done)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-cd.stop:
			return
		case <-ticker.C:
			if c.tickCountdown(cd, expiresAt) {
				return
			}
		}
	}
}

// tickCountdown пересчитывает остаток. true - таймер больше не нужен.
func (c *Controller) tickCountdown(cd *countdown, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.countdown != cd {
		return true
	}

	now := c.now()
	c.remaining = remainingSeconds(expiresAt, now)
	if now.Before(expiresAt) {
		c.publishLocked()
		return false
	}

	// истечение на клиенте только сигнал, окончательно решает сервер при отправке
	c.countdown = nil
	c.metrics.IncrementSessionsExpired()
	c.logger.Info("assessment session expired", zap.Time("expires_at", expiresAt))
	c.failLocked(MsgSessionExpired)
	return true
}

func remainingSeconds(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
