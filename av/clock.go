package av

import (
	"math"
	"sync"
	"time"
)

// Clock is a logical playback clock. The position advances with wall time
// multiplied by the rate while playing, and never passes the limit, which
// models a player stalling at the end of its buffered data.
type Clock struct {
	lock    sync.Mutex
	now     func() time.Time
	refTime time.Time // wall time of the last rebase
	refPos  float64   // position at refTime, seconds
	rate    float64
	playing bool
	limit   float64
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{
		now:     now,
		refTime: now(),
		rate:    NeutralRate,
		limit:   math.Inf(1),
	}
}

func (c *Clock) position(t time.Time) float64 {
	if !c.playing {
		return c.refPos
	}
	pos := c.refPos + t.Sub(c.refTime).Seconds()*c.rate
	if pos > c.limit {
		// a limit below refPos (buffer flushed after a seek) must not move us back
		pos = math.Max(c.limit, c.refPos)
	}
	return pos
}

// advance folds elapsed time into refPos so the next change applies from now.
func (c *Clock) advance() {
	t := c.now()
	c.refPos = c.position(t)
	c.refTime = t
}

func (c *Clock) Position() float64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.position(c.now())
}

// Stalled reports whether a playing clock is held at its limit.
func (c *Clock) Stalled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.playing && c.position(c.now()) >= c.limit
}

func (c *Clock) Rate() float64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.rate
}

func (c *Clock) SetRate(rate float64) {
	c.lock.Lock()
	c.advance()
	c.rate = rate
	c.lock.Unlock()
}

func (c *Clock) SetLimit(limit float64) {
	c.lock.Lock()
	c.advance()
	c.limit = limit
	c.lock.Unlock()
}

func (c *Clock) Seek(pos float64) {
	c.lock.Lock()
	c.refPos = pos
	c.refTime = c.now()
	c.lock.Unlock()
}

func (c *Clock) Play() {
	c.lock.Lock()
	c.advance()
	c.playing = true
	c.lock.Unlock()
}

func (c *Clock) Pause() {
	c.lock.Lock()
	c.advance()
	c.playing = false
	c.lock.Unlock()
}

func (c *Clock) Playing() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.playing
}
