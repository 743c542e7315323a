package handlers

import "time"

// byteBucket is a token bucket over decoded input audio bytes. A nil bucket
// admits everything.
type byteBucket struct {
	now      func() time.Time
	rate     int64
	capacity int64
	tokens   int64
	last     time.Time
}

func newByteBucket(now func() time.Time, bytesPerSecond int64, burstSeconds int) *byteBucket {
	if bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	capacity := bytesPerSecond * int64(burstSeconds)
	return &byteBucket{
		now:      now,
		rate:     bytesPerSecond,
		capacity: capacity,
		tokens:   capacity,
		last:     now(),
	}
}

// Allow takes n tokens if they are available. A rejected frame costs nothing.
func (b *byteBucket) Allow(n int) bool {
	if b == nil {
		return true
	}
	if n < 0 {
		n = 0
	}
	b.refill()
	if b.tokens < int64(n) {
		return false
	}
	b.tokens -= int64(n)
	return true
}

func (b *byteBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	add := elapsed.Nanoseconds() * b.rate / int64(time.Second)
	if add <= 0 {
		// Keep last so sub-token intervals accumulate.
		return
	}
	b.tokens = min(b.tokens+add, b.capacity)
	b.last = now
}
