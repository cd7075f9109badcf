// Legacy-era platform I/O: PIT, CMOS/RTC, i8042, ACPI fixed-feature PM
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platformclock

import (
	"time"

	"github.com/sandboxvm/x86core/membus"
)

// Default port addresses for the devices in this file, matching the
// legacy PC binding map.
const (
	PortPITChannel0 = 0x40
	PortPITChannel1 = 0x41
	PortPITChannel2 = 0x42
	PortPITCommand  = 0x43

	PortI8042Data   = 0x60
	PortI8042Status = 0x64

	PortCMOSIndex = 0x70
	PortCMOSData  = 0x71

	PortPM1aEVT  = 0x400 // 4 bytes: status @+0, enable @+2
	PortPM1aCNT  = 0x404 // 2 bytes
	PortPMTimer  = 0x408 // 4 bytes
	PortGPE0     = 0x420 // status @+0..1, enable @+2..3 (2 bytes each)
	PortSMICmd   = 0x00b2
)

// ACPI SMI_CMD handshake values (the only two this core recognizes).
const (
	AcpiEnable  = 0xa0
	AcpiDisable = 0xa1
)

// PM1a_CNT bits.
const (
	pm1CntSCIEN  = 1 << 0
	pm1CntSLPEN  = 1 << 13
	pm1CntSLPTYPShift = 10
	pm1CntSLPTYPMask  = 0x7 << pm1CntSLPTYPShift
	slpTypeS5         = 5
)

// PIT is channel 0 of an Intel 8253/8254 programmable interval timer,
// the only channel this core paces — channels 1 and 2 (DRAM refresh and
// PC-speaker tone, respectively) are legacy wiring a modern guest never
// depends on, so their mode-control writes are accepted and their reload
// values latched but not counted down.
type PIT struct {
	reload       [3]uint16
	latch        [3]*uint16 // non-nil while a counter-latch command is pending read
	latchLow     [3]bool
	counter      uint16 // channel 0's live countdown value
	mode         [3]uint8
	lastReadLow  [3]bool
	sink         func() // called when channel 0's counter reaches zero
}

// NewPIT returns a PIT with channel 0 unprogrammed (reload value 0, so
// Tick does not count until the guest loads a reload value) and sink
// invoked on each channel-0 terminal count.
func NewPIT(sink func()) *PIT {
	p := &PIT{sink: sink}
	p.reload[0] = 0
	p.counter = 0
	return p
}

// Tick advances channel 0's countdown by the given number of PIT clock
// ticks (the caller converts elapsed ns to 1.193182 MHz ticks).
func (p *PIT) Tick(ticks uint64) {
	if p.reload[0] == 0 {
		return // channel 0 not yet programmed; nothing to count down
	}
	for ; ticks > 0; ticks-- {
		if p.counter == 0 {
			p.counter = p.reload[0]
			if p.sink != nil {
				p.sink()
			}
			continue
		}
		p.counter--
	}
}

// In implements a guest IN from one of the four PIT ports (0x40-0x43);
// only the channel-0 data port (0x40) returns a live value, reading the
// low then high byte of the latched or live counter across successive
// accesses per the 8254 LSB/MSB access-mode convention.
func (p *PIT) In(port uint16, size int) uint64 {
	if port != PortPITChannel0 {
		return 0
	}
	val := p.counter
	if p.latch[0] != nil {
		val = *p.latch[0]
	}
	if !p.lastReadLow[0] {
		p.lastReadLow[0] = true
		p.latch[0] = &val
		return uint64(val & 0xff)
	}
	p.lastReadLow[0] = false
	p.latch[0] = nil
	return uint64(val >> 8)
}

// Out implements a guest OUT to the PIT command port (0x43, which
// latches a counter or sets its mode) or a channel data port.
func (p *PIT) Out(port uint16, size int, val uint64) {
	switch port {
	case PortPITCommand:
		ch := (val >> 6) & 0x3
		if ch > 2 {
			return
		}
		if (val>>4)&0x3 == 0 { // counter-latch command: no mode bits set
			latched := p.reload[ch]
			if ch == 0 {
				latched = p.counter
			}
			p.latch[ch] = &latched
			p.lastReadLow[ch] = false
			return
		}
		p.mode[ch] = uint8((val >> 1) & 0x7)

	case PortPITChannel0, PortPITChannel1, PortPITChannel2:
		ch := port - PortPITChannel0
		if !p.lastReadLow[ch] {
			p.reload[ch] = (p.reload[ch] &^ 0xff) | uint16(val&0xff)
			p.lastReadLow[ch] = true
			return
		}
		p.reload[ch] = (p.reload[ch] & 0xff) | uint16(val&0xff)<<8
		p.lastReadLow[ch] = false
		if ch == 0 {
			p.counter = p.reload[0]
		}
	}
}

// CMOS is the 128-byte RTC/NVRAM index-data register file at ports
// 0x70/0x71. Only the status registers a guest probes during boot
// (register 0x0A's update-in-progress bit, always clear here since this
// core has no wall-clock-driven RTC tick) are modeled beyond plain
// byte storage.
type CMOS struct {
	index uint8
	ram   [128]byte
}

// NewCMOS returns a CMOS image with register 0x0D (valid-RAM/lost-power
// flag) pre-set, matching what a real BIOS leaves behind after a clean
// boot.
func NewCMOS() *CMOS {
	c := &CMOS{}
	c.ram[0x0d] = 0x80
	return c
}

func (c *CMOS) inIndex(size int) uint64  { return uint64(c.index) }
func (c *CMOS) outIndex(size int, val uint64) { c.index = uint8(val) & 0x7f }

func (c *CMOS) inData(size int) uint64 {
	if c.index == 0x0a {
		return 0 // update-in-progress always clear
	}
	return uint64(c.ram[c.index])
}

func (c *CMOS) outData(size int, val uint64) {
	c.ram[c.index] = byte(val)
}

// I8042 is a minimal keyboard-controller stub: enough for a guest to
// read status register bit 0 (output-buffer-full) as always clear and
// poke the command/data ports without hanging waiting for a real
// keyboard that this core does not model.
type I8042 struct {
	status uint8
}

// NewI8042 returns a controller reporting an empty output buffer.
func NewI8042() *I8042 {
	return &I8042{}
}

func (k *I8042) In(port uint16, size int) uint64 {
	if port == PortI8042Status {
		return uint64(k.status)
	}
	return 0
}

func (k *I8042) Out(port uint16, size int, val uint64) {
	// Command/data writes are accepted and discarded; this core presents
	// no real keyboard/mouse device behind the controller.
}

// pitHz is the 8254 PIT's input clock frequency.
const pitHz = 1193182

// PITClockSource adapts a PIT to the Source interface, converting the
// platform clock's elapsed wall-clock delta into PIT input-clock ticks.
type PITClockSource struct {
	pit  *PIT
	last time.Duration
}

// NewPITClockSource returns a Source that paces pit off the Clock it is
// subscribed to.
func NewPITClockSource(pit *PIT) *PITClockSource {
	return &PITClockSource{pit: pit}
}

// Tick implements Source.
func (s *PITClockSource) Tick(now time.Duration) {
	delta := now - s.last
	s.last = now
	s.pit.Tick(uint64(delta.Seconds() * pitHz))
}

// AcpiPM implements the ACPI fixed-feature register block: PM1a_EVT,
// PM1a_CNT, PM_TMR, GPE0, and the SMI_CMD handshake that toggles SCI_EN,
// grounded on the legacy PC ACPI binding map.
type AcpiPM struct {
	clock *Clock

	pm1Status uint16
	pm1Enable uint16
	pm1Cnt    uint16
	gpe0Status uint16
	gpe0Enable uint16

	sciEnabled bool
	sink       InterruptSink
	sciIRQ     int

	// shutdownRequested latches once the guest writes SLP_EN with
	// SLP_TYP=S5 to PM1a_CNT and never clears itself.
	shutdownRequested bool
}

// InterruptSink receives the ACPI SCI level, asserted whenever an
// enabled PM1a/GPE0 status bit is set while SCI_EN is on.
type InterruptSink interface {
	Assert(line int, level bool)
}

const pm1StatusPowerButton = 1 << 8

// NewAcpiPM returns an ACPI PM block paced by clock and delivering its
// SCI on sink at the given line (IOAPIC GSI or 8259 IRQ, caller's
// choice).
func NewAcpiPM(clock *Clock, sink InterruptSink, sciIRQ int) *AcpiPM {
	return &AcpiPM{clock: clock, sink: sink, sciIRQ: sciIRQ}
}

// AssertPowerButton sets the PM1a_EVT power-button status bit, raising
// the SCI if the guest has SCI_EN and has unmasked it.
func (a *AcpiPM) AssertPowerButton() {
	a.pm1Status |= pm1StatusPowerButton
	a.updateSCI()
}

// ShutdownRequested reports whether the guest has written SLP_EN with
// SLP_TYP=S5 (soft-off) to PM1a_CNT.
func (a *AcpiPM) ShutdownRequested() bool {
	return a.shutdownRequested
}

func (a *AcpiPM) updateSCI() {
	level := a.sciEnabled && (a.pm1Status&a.pm1Enable != 0 || a.gpe0Status&a.gpe0Enable != 0)
	if a.sink != nil {
		a.sink.Assert(a.sciIRQ, level)
	}
}

// In implements a guest IN from one of the ACPI PM ports.
func (a *AcpiPM) In(port uint16, size int) uint64 {
	switch {
	case port == PortPM1aEVT:
		return uint64(a.pm1Status)
	case port == PortPM1aEVT+2:
		return uint64(a.pm1Enable)
	case port == PortPM1aCNT:
		return uint64(a.pm1Cnt)
	case port == PortPMTimer:
		return uint64(a.clock.PMTimerValue())
	case port == PortGPE0:
		return uint64(a.gpe0Status)
	case port == PortGPE0+2:
		return uint64(a.gpe0Enable)
	default:
		return 0
	}
}

// Out implements a guest OUT to one of the ACPI PM ports, including the
// write-1-to-clear semantics of the status registers and the SLP_EN/
// SLP_TYP soft-off trigger on PM1a_CNT.
func (a *AcpiPM) Out(port uint16, size int, val uint64) {
	switch {
	case port == PortPM1aEVT:
		a.pm1Status &^= uint16(val)
		a.updateSCI()
	case port == PortPM1aEVT+2:
		a.pm1Enable = uint16(val)
		a.updateSCI()
	case port == PortPM1aCNT:
		a.pm1Cnt = uint16(val)
		if a.pm1Cnt&pm1CntSLPEN != 0 {
			typ := (a.pm1Cnt & pm1CntSLPTYPMask) >> pm1CntSLPTYPShift
			if typ == slpTypeS5 {
				a.shutdownRequested = true
			}
		}
	case port == PortGPE0:
		a.gpe0Status &^= uint16(val)
		a.updateSCI()
	case port == PortGPE0+2:
		a.gpe0Enable = uint16(val)
		a.updateSCI()
	case port == PortSMICmd:
		switch val {
		case AcpiEnable:
			a.sciEnabled = true
			a.pm1Cnt |= pm1CntSCIEN
		case AcpiDisable:
			a.sciEnabled = false
			a.pm1Cnt &^= pm1CntSCIEN
		}
		a.updateSCI()
	}
}

// portAdapter lets the byte-width membus.Port interface (In/Out taking
// only size) front a device whose register decode also depends on which
// port address within its block was addressed.
type portAdapter struct {
	port uint16
	in   func(port uint16, size int) uint64
	out  func(port uint16, size int, val uint64)
}

func (p portAdapter) In(size int) uint64          { return p.in(p.port, size) }
func (p portAdapter) Out(size int, val uint64)    { p.out(p.port, size, val) }

// RegisterPIT binds all four PIT ports on bus.
func RegisterPIT(bus *membus.Bus, p *PIT) {
	for _, port := range []uint16{PortPITChannel0, PortPITChannel1, PortPITChannel2, PortPITCommand} {
		bus.RegisterPort(port, portAdapter{port: port, in: p.In, out: p.Out})
	}
}

// RegisterCMOS binds the CMOS index/data ports on bus.
func RegisterCMOS(bus *membus.Bus, c *CMOS) {
	bus.RegisterPort(PortCMOSIndex, simplePort{in: c.inIndex, out: c.outIndex})
	bus.RegisterPort(PortCMOSData, simplePort{in: c.inData, out: c.outData})
}

// RegisterI8042 binds the keyboard-controller ports on bus.
func RegisterI8042(bus *membus.Bus, k *I8042) {
	bus.RegisterPort(PortI8042Data, portAdapter{port: PortI8042Data, in: k.In, out: k.Out})
	bus.RegisterPort(PortI8042Status, portAdapter{port: PortI8042Status, in: k.In, out: k.Out})
}

// RegisterAcpiPM binds every ACPI PM fixed-feature port on bus.
func RegisterAcpiPM(bus *membus.Bus, a *AcpiPM) {
	for _, port := range []uint16{PortPM1aEVT, PortPM1aEVT + 2, PortPM1aCNT, PortPMTimer, PortGPE0, PortGPE0 + 2, PortSMICmd} {
		bus.RegisterPort(port, portAdapter{port: port, in: a.In, out: a.Out})
	}
}

// simplePort adapts a size-only In/Out pair (a device whose ports don't
// need the port address, like CMOS's index/data pair) to membus.Port.
type simplePort struct {
	in  func(size int) uint64
	out func(size int, val uint64)
}

func (s simplePort) In(size int) uint64       { return s.in(size) }
func (s simplePort) Out(size int, val uint64) { s.out(size, val) }
