// Deterministic platform clock
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platformclock implements the monotonic deterministic nanosecond
// timebase that the PIT and the ACPI PM timer pace from; there is no HPET,
// and the CMOS RTC does not tick. It advances only
// when an external driver calls Advance with a caller-specified delta —
// there is no wall-clock coupling, which is what makes replay
// deterministic.
package platformclock

import "time"

// Source is notified every time the clock advances, so that timer-bearing
// devices can refresh pending interrupts off the new tick.
type Source interface {
	Tick(now time.Duration)
}

// Clock is the platform's single time authority.
type Clock struct {
	now   time.Duration
	srcs  []Source
}

// New returns a Clock reset to t=0.
func New() *Clock {
	return &Clock{}
}

// Subscribe registers a Source to be notified on every Advance call.
func (c *Clock) Subscribe(s Source) {
	c.srcs = append(c.srcs, s)
}

// Now returns the current monotonic time.
func (c *Clock) Now() time.Duration {
	return c.now
}

// Advance moves the clock forward by delta (which must be >= 0) and
// notifies every subscribed Source in registration order.
func (c *Clock) Advance(delta time.Duration) {
	if delta < 0 {
		return
	}

	c.now += delta

	for _, s := range c.srcs {
		s.Tick(c.now)
	}
}

// PMTimerHz is the ACPI PM_TMR counter frequency (3.579545 MHz).
const PMTimerHz = 3579545

// PMTimerValue computes the 24-bit ACPI PM_TMR counter value from the
// monotonic clock.
func (c *Clock) PMTimerValue() uint32 {
	ticks := c.now.Seconds() * PMTimerHz
	return uint32(int64(ticks)) & 0x00ffffff
}
