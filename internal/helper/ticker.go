package helper

import "time"

// Ticker ticks on the channel returned by C to signal something.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

// NewTimerTicker returns a Ticker that ticks after the specified interval
// has passed since the previous Reset call.
func NewTimerTicker(interval time.Duration) Ticker {
	return &timerTicker{interval: interval}
}

type timerTicker struct {
	timer    *time.Timer
	interval time.Duration
}

func (tt *timerTicker) C() <-chan time.Time { return tt.timer.C }

func (tt *timerTicker) Reset() {
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.timer = time.NewTimer(tt.interval)
}

func (tt *timerTicker) Stop() {
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// ManualTicker implements a ticker that ticks when Tick is called.
// Stop and Reset functions call the provided functions.
type ManualTicker struct {
	c         chan time.Time
	StopFunc  func()
	ResetFunc func()
}

//nolint:revive // This is unintentionally missing documentation.
func (mt *ManualTicker) C() <-chan time.Time { return mt.c }

//nolint:revive // This is unintentionally missing documentation.
func (mt *ManualTicker) Stop() { mt.StopFunc() }

//nolint:revive // This is unintentionally missing documentation.
func (mt *ManualTicker) Reset() { mt.ResetFunc() }

//nolint:revive // This is unintentionally missing documentation.
func (mt *ManualTicker) Tick() { mt.c <- time.Now() }

// NewManualTicker returns a Ticker that can be manually controlled.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:         make(chan time.Time, 1),
		StopFunc:  func() {},
		ResetFunc: func() {},
	}
}

// NewCountTicker returns a ManualTicker with a ResetFunc that
// calls the provided callback on Reset call after it has been
// called N times.
func NewCountTicker(n int, callback func()) *ManualTicker {
	ticker := NewManualTicker()
	ticker.ResetFunc = func() {
		n--
		if n < 0 {
			callback()
			return
		}

		ticker.Tick()
	}

	return ticker
}

// TickerFactory constructs a new ticker.
type TickerFactory interface {
	// NewTicker returns a new ticker.
	NewTicker() Ticker
}

// TickerFactoryFunc is a function that implements TickerFactory.
type TickerFactoryFunc func() Ticker

// NewTicker returns a new ticker.
func (fn TickerFactoryFunc) NewTicker() Ticker {
	return fn()
}

// NewTimerTickerFactory returns a new TickerFactory that returns tickers ticking
// after the given interval.
func NewTimerTickerFactory(interval time.Duration) TickerFactory {
	return TickerFactoryFunc(func() Ticker {
		return NewTimerTicker(interval)
	})
}

// NewNullTickerFactory returns new tickers that don't tick.
func NewNullTickerFactory() TickerFactory {
	return TickerFactoryFunc(func() Ticker {
		return NewManualTicker()
	})
}
