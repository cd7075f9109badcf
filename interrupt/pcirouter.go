// PCI INTx router
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package interrupt

// Pin identifies one of a PCI function's four interrupt pins.
type Pin int

const (
	INTA Pin = iota
	INTB
	INTC
	INTD
)

// Slot identifies a PCI device's (bus, device, function) location.
type Slot struct {
	Bus, Device, Function uint8
}

type wireKey struct {
	slot Slot
	pin  Pin
}

// PCIRouter maintains an assert-count per (bus, device, function, pin) — an
// aggregate that goes high on the first assert and low when the last
// asserter deasserts, matching real INTx wire-OR semantics, and maps the
// aggregate output to a fixed GSI via a static _PRT-style policy.
type PCIRouter struct {
	ioapic *IOAPIC

	counts map[wireKey]int
	// disabled tracks functions whose command-register INTx-disable bit
	// (bit 10) is set, masking their contribution to aggregation.
	disabled map[Slot]bool

	prt func(Slot, Pin) int
}

// NewPCIRouter constructs a router delivering through ioapic, using prt to
// map a (slot, pin) to a GSI number. PIIX/ICH-style layouts route INTA-D of
// devices 1-5 to GSIs 10-13 in rotation; see StandardPRT.
func NewPCIRouter(ioapic *IOAPIC, prt func(Slot, Pin) int) *PCIRouter {
	return &PCIRouter{
		ioapic:   ioapic,
		counts:   make(map[wireKey]int),
		disabled: make(map[Slot]bool),
		prt:      prt,
	}
}

// StandardPRT implements the standard PIIX/ICH _PRT layout: device d's pin
// p routes to GSI 10 + ((d + p) % 4).
func StandardPRT(s Slot, p Pin) int {
	return 10 + (int(s.Device)+int(p))%4
}

// SetINTxDisable gates a function's contribution to pin aggregation via
// the PCI command register bit 10.
func (r *PCIRouter) SetINTxDisable(slot Slot, disabled bool) {
	wasDisabled := r.disabled[slot]
	r.disabled[slot] = disabled

	if wasDisabled == disabled {
		return
	}

	// Toggling the disable bit changes this function's contribution to
	// every pin's aggregate without it re-issuing Assert/Deassert.
	for key, n := range r.counts {
		if key.slot != slot || n == 0 {
			continue
		}
		r.deliver(key.slot, key.pin)
	}
}

// Assert raises slot's pin contribution to the wire-OR aggregate.
func (r *PCIRouter) Assert(slot Slot, pin Pin) {
	key := wireKey{slot, pin}
	r.counts[key]++
	r.deliver(slot, pin)
}

// Deassert lowers slot's pin contribution.
func (r *PCIRouter) Deassert(slot Slot, pin Pin) {
	key := wireKey{slot, pin}
	if r.counts[key] > 0 {
		r.counts[key]--
	}
	r.deliver(slot, pin)
}

// deliver re-evaluates the wire-OR level of the GSI that (slot, pin)
// routes to — aggregating over every (slot, pin) combination that maps
// to that same GSI under the _PRT policy, since distinct devices'
// distinct pins commonly share one physical line — and pushes the
// result into the IOAPIC.
func (r *PCIRouter) deliver(slot Slot, pin Pin) {
	gsi := r.prt(slot, pin)
	level := r.aggregateGSI(gsi) > 0

	if r.ioapic != nil {
		r.ioapic.Assert(gsi, level)
	}
}

func (r *PCIRouter) aggregateGSI(gsi int) int {
	total := 0
	for key, n := range r.counts {
		if n > 0 && !r.disabled[key.slot] && r.prt(key.slot, key.pin) == gsi {
			total++
		}
	}
	return total
}

// SyncLevelsToSink re-evaluates and re-asserts every currently-wired
// GSI's aggregate level into the IOAPIC. Machine.Load calls it after a
// restore; the router's assert counts are not part of the snapshot, so
// only lines asserted since this router was built are re-driven.
func (r *PCIRouter) SyncLevelsToSink() {
	seen := make(map[int]bool)
	for key := range r.counts {
		gsi := r.prt(key.slot, key.pin)
		if seen[gsi] {
			continue
		}
		seen[gsi] = true
		r.deliver(key.slot, key.pin)
	}
}
