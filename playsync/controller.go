package playsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/gwuhaolin/livesync/av"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

const DefaultInterval = 300 * time.Millisecond

// Config describes a sync session. The zero value is a session that starts
// enabled, with stream 0 as master, the default policy and interval.
type Config struct {
	Interval time.Duration
	Policy   Policy
	Master   int
	Disabled bool
}

// Correction records what a tick did to one follower.
type Correction struct {
	Index  int
	Offset float64
	Action Action
	Err    error
}

// Report summarizes one tick.
type Report struct {
	Master         int
	MasterPosition float64
	Skipped        bool  // disabled, stopped or master not ready
	Unready        []int // followers skipped this tick
	Corrections    []Correction
	Err            error // ErrStreamUnready when the master held the tick
}

// Controller keeps a set of streams aligned to a master stream. Ticks run on
// a single goroutine and hold mu for their whole body, so they never overlap
// and always see a consistent master index and enabled flag.
type Controller struct {
	id       string
	handles  []av.StreamHandle
	policy   Policy
	interval time.Duration

	mu       sync.Mutex
	selector *MasterSelector
	enabled  bool
	started  bool
	stopped  bool
	stop     chan struct{} // closes the running tick loop, nil when none
	wg       sync.WaitGroup
}

func NewController(handles []av.StreamHandle, cfg Config) (*Controller, error) {
	if len(handles) == 0 {
		return nil, ErrNoStreams
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("sync policy: %w", err)
	}

	selector := NewMasterSelector(len(handles))
	if err := selector.Set(cfg.Master); err != nil {
		return nil, fmt.Errorf("master %d: %w", cfg.Master, err)
	}

	c := &Controller{
		id:       uuid.NewV4().String(),
		handles:  append([]av.StreamHandle(nil), handles...),
		policy:   cfg.Policy,
		interval: cfg.Interval,
		selector: selector,
		enabled:  !cfg.Disabled,
	}
	return c, nil
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Interval() time.Duration {
	return c.interval
}

func (c *Controller) Policy() Policy {
	return c.policy
}

// Handles returns the streams in session order.
func (c *Controller) Handles() []av.StreamHandle {
	return append([]av.StreamHandle(nil), c.handles...)
}

func (c *Controller) MasterIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selector.Index()
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Start begins ticking if the session is enabled. It is a no-op on a
// started or stopped controller.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true
	c.setEnabledGauge()
	if c.enabled {
		c.startLoop()
	}
	log.WithFields(log.Fields{
		"session":  c.id,
		"streams":  len(c.handles),
		"master":   c.selector.Index(),
		"enabled":  c.enabled,
		"interval": c.interval,
	}).Info("sync session started")
}

// Stop ends the session. After Stop returns no tick touches any stream.
// If the session was enabled, every follower is put back to the neutral rate
// and the session reports itself disabled.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopLoop()
	if c.enabled {
		c.resetRates(false)
		c.enabled = false
	}
	enabledGauge.Set(0)
	c.mu.Unlock()

	c.wg.Wait()
	log.WithField("session", c.id).Info("sync session stopped")
}

// SetEnabled drives the Enabled/Disabled transition. Disabling cancels the
// tick loop and then resets the rate of every stream, master included.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if c.started {
		c.setEnabledGauge()
	}

	if enabled {
		if c.started {
			c.startLoop()
		}
		log.WithField("session", c.id).Info("sync enabled")
		return
	}

	c.stopLoop()
	c.resetRates(true)
	log.WithField("session", c.id).Info("sync disabled")
}

// SetMasterIndex switches the reference stream for the next tick. An index
// outside the session is rejected and the previous master is kept.
func (c *Controller) SetMasterIndex(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.selector.Index()
	if err := c.selector.Set(index); err != nil {
		log.WithFields(log.Fields{
			"session": c.id,
			"index":   index,
			"master":  prev,
		}).Warn("master index rejected")
		return fmt.Errorf("%w: %d not in [0, %d)", err, index, c.selector.Count())
	}
	if prev != index {
		log.WithFields(log.Fields{
			"session": c.id,
			"from":    prev,
			"to":      index,
			"stream":  c.handles[index].Info().Name,
		}).Info("master changed")
	}
	return nil
}

// Tick runs one evaluation synchronously. It does nothing while the session
// is disabled or stopped.
func (c *Controller) Tick() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || !c.enabled {
		return Report{Master: c.selector.Index(), Skipped: true}
	}
	return c.evaluate()
}

func (c *Controller) startLoop() {
	stop := make(chan struct{})
	c.stop = stop
	c.wg.Add(1)
	go c.run(stop)
}

func (c *Controller) stopLoop() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Controller) run(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			select {
			case <-stop:
				// disabled or stopped while we waited for the lock
				c.mu.Unlock()
				return
			default:
			}
			c.evaluate()
			c.mu.Unlock()
		}
	}
}

// evaluate is the tick body. Caller holds mu.
func (c *Controller) evaluate() Report {
	ticksTotal.Inc()

	master := c.selector.Index()
	report := Report{Master: master}

	masterPos, ready := position(c.handles[master])
	if !ready {
		// never correct against a stale master timestamp
		ticksSkipped.Inc()
		report.Skipped = true
		report.Err = fmt.Errorf("%w: master %s", ErrStreamUnready, c.handles[master].Info().Name)
		log.WithField("session", c.id).Debug("tick skipped: ", report.Err)
		return report
	}
	report.MasterPosition = masterPos

	for i, h := range c.handles {
		if c.selector.IsMaster(i) {
			continue
		}
		name := h.Info().Name

		pos, ready := position(h)
		if !ready {
			followersUnready.WithLabelValues(name).Inc()
			report.Unready = append(report.Unready, i)
			continue
		}

		offset := pos - masterPos
		action := c.policy.Adjust(offset, masterPos)
		offsetSeconds.WithLabelValues(name).Set(offset)
		corrections.WithLabelValues(name, action.Kind.String()).Inc()

		err := apply(h, action)
		if err != nil {
			applyFailures.WithLabelValues(name).Inc()
			log.WithFields(log.Fields{
				"stream": name,
				"offset": offset,
				"action": action,
			}).Debug("correction failed: ", err)
		} else if action.Kind != NoOp {
			log.WithFields(log.Fields{
				"stream": name,
				"offset": offset,
				"action": action,
			}).Debug("correction applied")
		}

		report.Corrections = append(report.Corrections, Correction{
			Index:  i,
			Offset: offset,
			Action: action,
			Err:    err,
		})
	}
	return report
}

// resetRates puts streams back to the neutral rate, one at a time, ignoring
// failures. Caller holds mu.
func (c *Controller) resetRates(includeMaster bool) {
	for i, h := range c.handles {
		if !includeMaster && c.selector.IsMaster(i) {
			continue
		}
		if err := guard(h.ResetRate); err != nil {
			log.WithField("stream", h.Info().Name).Debug("rate reset failed: ", err)
		}
	}
}

func (c *Controller) setEnabledGauge() {
	if c.enabled {
		enabledGauge.Set(1)
	} else {
		enabledGauge.Set(0)
	}
}

// apply carries out one action on a follower. A Step always tries to reset
// the rate, even if the seek was refused.
func apply(h av.StreamHandle, action Action) error {
	switch action.Kind {
	case Step:
		seekErr := guard(func() error { return h.SeekTo(action.Target) })
		rateErr := guard(h.ResetRate)
		if seekErr != nil {
			return seekErr
		}
		return rateErr
	case Slew:
		return guard(func() error { return h.SetRate(action.Rate) })
	default:
		return guard(func() error {
			if r, ok := h.(av.RateReporter); ok && r.Rate() == av.NeutralRate {
				return nil
			}
			return h.ResetRate()
		})
	}
}

// guard runs a stream command, turning errors and panics into
// ErrCorrectionApply so one bad stream cannot break a tick.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("stream command panic: ", r)
			err = fmt.Errorf("%w: panic: %v", ErrCorrectionApply, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrectionApply, err)
	}
	return nil
}

// position reads a stream position; a panicking stream counts as unready.
func position(h av.StreamHandle) (pos float64, ready bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("stream position panic: ", r)
			pos, ready = 0, false
		}
	}()
	return h.Position()
}
