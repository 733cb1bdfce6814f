package hls

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gwuhaolin/livesync/av"
)

const (
	defaultMinBuffer = 0.1 // seconds ahead of the position needed to be ready

	minRate = 0.0625
	maxRate = 16.0
)

var (
	ErrSeekOutOfRange = fmt.Errorf("seek position out of range")
	ErrInvalidRate    = fmt.Errorf("invalid playback rate")
)

var _ av.StreamHandle = (*Player)(nil)
var _ av.RateReporter = (*Player)(nil)

type PlayerOptions struct {
	MinBuffer    float64 // seconds
	MaxBuffer    float64 // seconds
	PollInterval time.Duration
	Client       *http.Client
	Now          func() time.Time
}

// Player is a headless HLS player. It buffers segments through a Source and
// plays them on a logical clock, which makes it a StreamHandle whose position
// behaves like a browser video element: it starts when the first segment
// arrives, follows the rate, and stalls when the buffer runs out.
type Player struct {
	info      av.Info
	clock     *av.Clock
	source    *Source
	minBuffer float64

	lock    sync.Mutex
	started bool
	closed  bool
}

func NewPlayer(info av.Info, opts PlayerOptions) *Player {
	if opts.MinBuffer <= 0 {
		opts.MinBuffer = defaultMinBuffer
	}
	p := &Player{
		info:      info,
		clock:     av.NewClock(opts.Now),
		minBuffer: opts.MinBuffer,
	}
	p.source = NewSource(info, opts.Client, opts.PollInterval, opts.MaxBuffer, p.clock.Position, p.onSegment, p.onResync)
	return p
}

// Start begins loading the stream. Playback starts on its own once the
// first segment is buffered.
func (p *Player) Start() {
	p.source.Start()
}

func (p *Player) Info() av.Info {
	return p.info
}

func (p *Player) Position() (float64, bool) {
	p.lock.Lock()
	closed := p.closed
	p.lock.Unlock()
	if closed {
		return 0, false
	}

	pos := p.clock.Position()
	start, end, ok := p.source.Buffered()
	ready := ok && p.clock.Playing() && pos >= start && end-pos >= p.minBuffer
	return pos, ready
}

func (p *Player) Rate() float64 {
	return p.clock.Rate()
}

func (p *Player) SetRate(rate float64) error {
	if p.isClosed() {
		return ErrClosed
	}
	if math.IsNaN(rate) || rate < minRate || rate > maxRate {
		return fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	p.clock.SetRate(rate)
	return nil
}

func (p *Player) ResetRate() error {
	if p.isClosed() {
		return ErrClosed
	}
	p.clock.SetRate(av.NeutralRate)
	return nil
}

// SeekTo jumps within the buffer when it can. A target outside the buffer
// but inside the playlist flushes the buffer and refetches from there; the
// player is unready until data arrives.
func (p *Player) SeekTo(pos float64) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return ErrClosed
	}
	if math.IsNaN(pos) || pos < 0 {
		return fmt.Errorf("%w: %v", ErrSeekOutOfRange, pos)
	}

	if start, end, ok := p.source.Buffered(); ok && pos >= start && pos < end {
		p.clock.Seek(pos)
		return nil
	}
	if !p.source.Jump(pos) {
		return fmt.Errorf("%w: %.3f", ErrSeekOutOfRange, pos)
	}
	p.clock.Seek(pos)
	p.clock.SetLimit(pos)
	if !p.started {
		p.started = true
		p.clock.Play()
	}
	return nil
}

// Close stops downloading. The player cannot be used afterwards.
func (p *Player) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true
	p.lock.Unlock()

	p.source.Close()
	p.clock.Pause()
	return nil
}

func (p *Player) Status() Status {
	pos, ready := p.Position()
	start, end, _ := p.source.Buffered()
	s := Status{
		ID:            p.info.ID,
		Name:          p.info.Name,
		URL:           p.info.URL,
		Position:      pos,
		Ready:         ready,
		Rate:          p.clock.Rate(),
		Playing:       p.clock.Playing(),
		Stalled:       p.clock.Stalled(),
		Live:          p.source.Live(),
		BufferedStart: start,
		BufferedEnd:   end,
		BufferedBytes: p.source.GetCacheInc().Bytes(),
		Segments:      p.source.Fetched(),
	}
	if err := p.source.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

// onSegment runs on the source goroutine after each download.
func (p *Player) onSegment() {
	p.lock.Lock()
	defer p.lock.Unlock()

	start, end, ok := p.source.Buffered()
	if !ok || p.closed {
		return
	}
	p.clock.SetLimit(end)
	if !p.started {
		p.started = true
		p.clock.Seek(start)
		p.clock.Play()
	}
}

// onResync runs on the source goroutine when a live stream rejoined its
// window. Playback holds at pos until the new segments arrive.
func (p *Player) onResync(pos float64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return
	}
	p.clock.Seek(pos)
	p.clock.SetLimit(pos)
	if !p.started {
		p.started = true
		p.clock.Play()
	}
}

func (p *Player) isClosed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closed
}
