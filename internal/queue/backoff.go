package queue

import "time"

// Backoff — экспоненциальная задержка между попытками.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay возвращает задержку перед попыткой attempt+1
// после неудачной попытки attempt (начиная с 1).
//
// delay = Base * 2^(attempt-1), но не больше Max.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}
	if maxDelay < base {
		maxDelay = base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
