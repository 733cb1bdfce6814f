package playsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gwuhaolin/livesync/av"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu      sync.Mutex
	info    av.Info
	pos     float64
	ready   bool
	rate    float64
	seeks   []float64
	setRate int
	resets  int

	seekErr   error
	rateErr   error
	panicSeek bool
}

func newFake(id int, pos float64) *fakeHandle {
	return &fakeHandle{
		info:  av.Info{ID: id, Name: "stream" + string(rune('0'+id))},
		pos:   pos,
		ready: true,
		rate:  av.NeutralRate,
	}
}

func (f *fakeHandle) Info() av.Info { return f.info }

func (f *fakeHandle) Position() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, f.ready
}

func (f *fakeHandle) SetRate(rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRate++
	if f.rateErr != nil {
		return f.rateErr
	}
	f.rate = rate
	return nil
}

func (f *fakeHandle) SeekTo(pos float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicSeek {
		panic("decoder gone")
	}
	if f.seekErr != nil {
		return f.seekErr
	}
	f.seeks = append(f.seeks, pos)
	f.pos = pos
	return nil
}

func (f *fakeHandle) ResetRate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.rate = av.NeutralRate
	return nil
}

func (f *fakeHandle) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeHandle) mutations() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setRate, f.resets, len(f.seeks)
}

func (f *fakeHandle) set(pos float64, ready bool) {
	f.mu.Lock()
	f.pos, f.ready = pos, ready
	f.mu.Unlock()
}

func handles(fakes ...*fakeHandle) []av.StreamHandle {
	hs := make([]av.StreamHandle, len(fakes))
	for i, f := range fakes {
		hs[i] = f
	}
	return hs
}

func TestNewControllerDefaults(t *testing.T) {
	c, err := NewController(handles(newFake(1, 0), newFake(2, 0)), Config{})
	require.NoError(t, err)
	assert.Equal(t, 0, c.MasterIndex())
	assert.True(t, c.Enabled())
	assert.Equal(t, DefaultInterval, c.Interval())
	assert.Equal(t, DefaultPolicy(), c.Policy())
	assert.NotEmpty(t, c.ID())
	assert.Len(t, c.Handles(), 2)
}

func TestNewControllerErrors(t *testing.T) {
	_, err := NewController(nil, Config{})
	assert.ErrorIs(t, err, ErrNoStreams)

	_, err = NewController(handles(newFake(1, 0)), Config{Master: 4})
	assert.ErrorIs(t, err, ErrInvalidMasterIndex)

	_, err = NewController(handles(newFake(1, 0)), Config{Policy: Policy{HardThreshold: 0.1, SoftThreshold: 0.2, Gain: 1, MaxRateOffset: 0.1}})
	assert.Error(t, err)
}

func TestTickEndToEnd(t *testing.T) {
	master := newFake(1, 10.00)
	near := newFake(2, 10.03)
	ahead := newFake(3, 10.20)
	far := newFake(4, 11.00)

	c, err := NewController(handles(master, near, ahead, far), Config{})
	require.NoError(t, err)

	report := c.Tick()
	assert.False(t, report.Skipped)
	assert.Equal(t, 10.0, report.MasterPosition)
	require.Len(t, report.Corrections, 3)

	assert.Equal(t, 1.0, near.Rate())
	assert.InDelta(t, 0.92, ahead.Rate(), 1e-9)
	assert.Equal(t, 1.0, far.Rate())
	assert.Equal(t, []float64{10.0}, far.seeks)

	assert.Equal(t, NoOp, report.Corrections[0].Action.Kind)
	assert.Equal(t, Slew, report.Corrections[1].Action.Kind)
	assert.Equal(t, Step, report.Corrections[2].Action.Kind)
}

func TestTickNeverTouchesMaster(t *testing.T) {
	master := newFake(1, 50)
	master.rate = 1.3
	followers := []*fakeHandle{newFake(2, 49), newFake(3, 50.2), newFake(4, 50.01)}

	c, err := NewController(handles(append([]*fakeHandle{master}, followers...)...), Config{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Tick()
	}
	setRate, resets, seeks := master.mutations()
	assert.Zero(t, setRate)
	assert.Zero(t, resets)
	assert.Zero(t, seeks)
	assert.Equal(t, 1.3, master.Rate())
}

func TestTickSkipsWhenMasterUnready(t *testing.T) {
	master := newFake(1, 10)
	master.ready = false
	f1 := newFake(2, 30)
	f2 := newFake(3, 10.3)

	c, err := NewController(handles(master, f1, f2), Config{})
	require.NoError(t, err)

	report := c.Tick()
	assert.True(t, report.Skipped)
	assert.ErrorIs(t, report.Err, ErrStreamUnready)
	assert.Empty(t, report.Corrections)
	for _, f := range []*fakeHandle{f1, f2} {
		setRate, resets, seeks := f.mutations()
		assert.Zero(t, setRate+resets+seeks)
	}
}

func TestTickSkipsOnlyUnreadyFollower(t *testing.T) {
	master := newFake(1, 10)
	unready := newFake(2, 30)
	unready.ready = false
	ready := newFake(3, 11)

	c, err := NewController(handles(master, unready, ready), Config{})
	require.NoError(t, err)

	report := c.Tick()
	assert.False(t, report.Skipped)
	assert.NoError(t, report.Err, "an unready follower does not hold the tick")
	assert.Equal(t, []int{1}, report.Unready)
	require.Len(t, report.Corrections, 1)
	assert.Equal(t, 2, report.Corrections[0].Index)
	assert.Empty(t, unready.seeks)
	assert.Equal(t, []float64{10.0}, ready.seeks)
}

func TestTickAbsorbsApplyFailures(t *testing.T) {
	master := newFake(1, 10)
	panics := newFake(2, 12)
	panics.panicSeek = true
	refuses := newFake(3, 10.2)
	refuses.rateErr = errors.New("rate locked")
	fine := newFake(4, 9)

	c, err := NewController(handles(master, panics, refuses, fine), Config{})
	require.NoError(t, err)

	var report Report
	require.NotPanics(t, func() { report = c.Tick() })
	require.Len(t, report.Corrections, 3)

	assert.ErrorIs(t, report.Corrections[0].Err, ErrCorrectionApply)
	assert.ErrorIs(t, report.Corrections[1].Err, ErrCorrectionApply)
	assert.NoError(t, report.Corrections[2].Err)
	assert.Equal(t, []float64{10.0}, fine.seeks)

	// a refused seek still gets its rate reset
	_, resets, _ := panics.mutations()
	assert.Equal(t, 1, resets)
}

func TestTickNormalizesRateOnlyWhenNeeded(t *testing.T) {
	master := newFake(1, 10)
	f := newFake(2, 10.01)

	c, err := NewController(handles(master, f), Config{})
	require.NoError(t, err)

	c.Tick()
	_, resets, _ := f.mutations()
	assert.Zero(t, resets, "already neutral")

	f.mu.Lock()
	f.rate = 0.95
	f.mu.Unlock()
	c.Tick()
	c.Tick()
	_, resets, _ = f.mutations()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1.0, f.Rate())
}

func TestSetMasterIndex(t *testing.T) {
	c, err := NewController(handles(newFake(1, 0), newFake(2, 0), newFake(3, 0)), Config{})
	require.NoError(t, err)

	assert.NoError(t, c.SetMasterIndex(2))
	assert.Equal(t, 2, c.MasterIndex())

	assert.ErrorIs(t, c.SetMasterIndex(3), ErrInvalidMasterIndex)
	assert.ErrorIs(t, c.SetMasterIndex(-1), ErrInvalidMasterIndex)
	assert.Equal(t, 2, c.MasterIndex())
}

func TestMasterSwitchIsNotRetroactive(t *testing.T) {
	a := newFake(1, 10)
	b := newFake(2, 10.2)
	c3 := newFake(3, 10)

	c, err := NewController(handles(a, b, c3), Config{})
	require.NoError(t, err)

	c.Tick()
	assert.InDelta(t, 0.92, b.Rate(), 1e-9)

	require.NoError(t, c.SetMasterIndex(1))
	setRate, resets, seeks := a.mutations()
	assert.Zero(t, setRate+resets+seeks, "switching alone must not correct anyone")
	assert.InDelta(t, 0.92, b.Rate(), 1e-9)

	report := c.Tick()
	assert.Equal(t, 1, report.Master)
	require.Len(t, report.Corrections, 2)
	assert.Equal(t, 0, report.Corrections[0].Index)
	assert.InDelta(t, -0.2, report.Corrections[0].Offset, 1e-9)
	assert.InDelta(t, 1.08, a.Rate(), 1e-9)
	assert.InDelta(t, 0.92, b.Rate(), 1e-9, "the new master keeps whatever rate it had")
}

func TestDisableResetsRatesAndStopsCorrections(t *testing.T) {
	master := newFake(1, 10)
	master.rate = 1.02
	f := newFake(2, 10.2)

	c, err := NewController(handles(master, f), Config{})
	require.NoError(t, err)

	c.Tick()
	assert.InDelta(t, 0.92, f.Rate(), 1e-9)

	c.SetEnabled(false)
	assert.False(t, c.Enabled())
	assert.Equal(t, 1.0, f.Rate())
	assert.Equal(t, 1.0, master.Rate(), "disable resets every stream")

	f.set(12, true)
	report := c.Tick()
	assert.True(t, report.Skipped)
	assert.Empty(t, f.seeks)

	c.SetEnabled(true)
	c.Tick()
	assert.Equal(t, []float64{10.0}, f.seeks)
}

func TestStartTicksPeriodically(t *testing.T) {
	master := newFake(1, 10)
	f := newFake(2, 13)

	c, err := NewController(handles(master, f), Config{Interval: 5 * time.Millisecond})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		_, _, seeks := f.mutations()
		return seeks > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStartDisabledDoesNotTick(t *testing.T) {
	master := newFake(1, 10)
	f := newFake(2, 13)

	c, err := NewController(handles(master, f), Config{Interval: 5 * time.Millisecond, Disabled: true})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	time.Sleep(30 * time.Millisecond)
	_, _, seeks := f.mutations()
	assert.Zero(t, seeks)

	c.SetEnabled(true)
	assert.Eventually(t, func() bool {
		_, _, seeks := f.mutations()
		return seeks > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopCancelsTicksAndResetsFollowers(t *testing.T) {
	master := newFake(1, 10)
	master.rate = 1.05
	f := newFake(2, 10.2)

	c, err := NewController(handles(master, f), Config{Interval: 2 * time.Millisecond})
	require.NoError(t, err)
	c.Start()

	assert.Eventually(t, func() bool {
		return f.Rate() < 1.0
	}, time.Second, 2*time.Millisecond)

	c.Stop()
	assert.Equal(t, 1.0, f.Rate())
	assert.Equal(t, 1.05, master.Rate(), "stop only resets followers")
	assert.False(t, c.Enabled(), "a stopped session reports disabled")

	before1, before2, before3 := f.mutations()
	time.Sleep(20 * time.Millisecond)
	after1, after2, after3 := f.mutations()
	assert.Equal(t, []int{before1, before2, before3}, []int{after1, after2, after3})

	report := c.Tick()
	assert.True(t, report.Skipped)
	assert.NoError(t, report.Err)

	// stopped sessions ignore further state changes
	c.SetEnabled(true)
	assert.False(t, c.Enabled())
	c.Start()
	c.Stop()
}

func TestConcurrentMutationsDuringTicks(t *testing.T) {
	fakes := []*fakeHandle{newFake(1, 10), newFake(2, 10.3), newFake(3, 9.7), newFake(4, 10)}
	c, err := NewController(handles(fakes...), Config{Interval: time.Millisecond})
	require.NoError(t, err)
	c.Start()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = c.SetMasterIndex((g + i) % 5)
				c.SetEnabled(i%7 != 0)
				_ = c.MasterIndex()
			}
		}(g)
	}
	wg.Wait()
	c.Stop()

	assert.GreaterOrEqual(t, c.MasterIndex(), 0)
	assert.Less(t, c.MasterIndex(), 4)
}
