// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package interrupt

import "testing"

// Spurious IRQ7: line 7 asserted, acknowledged, then deasserted before
// INTA completes. Master ISR bit 7 must remain 0.
func TestSpuriousIRQ7(t *testing.T) {
	p := NewPIC(nil)
	p.SetLevelMode(true, 1<<7)
	p.SetMask(true, 0x00)

	p.Assert(7, true)
	p.Assert(7, false) // dropped before INTA completes

	vector, ok := p.Acknowledge()
	if !ok {
		t.Fatal("expected a vector even when spurious")
	}
	if vector != p.master.vectorBase+7 {
		t.Errorf("vector = %#x, want IRQ7 vector %#x", vector, p.master.vectorBase+7)
	}

	if isr := p.ReadRegister(true, true); isr&(1<<7) != 0 {
		t.Errorf("ISR = %#x, bit 7 should remain clear", isr)
	}
}

// Level-triggered IOAPIC redelivery happens only after EOI and a fresh
// assertion window while the line remains asserted.
func TestIOAPICLevelRedeliveryOnEOI(t *testing.T) {
	lapic := NewLAPIC(0)
	io := NewIOAPIC(24, lapic)
	lapic.AttachIOAPIC(io)

	io.Program(1, RedirectionEntry{Vector: 0x21, Trigger: Level})

	io.Assert(1, true)

	if v := lapic.GetPendingVector(); v != 0x21 {
		t.Fatalf("pending = %#x, want 0x21", v)
	}
	lapic.Ack(0x21)

	if !io.Entry(1).RemoteIRR {
		t.Fatal("Remote-IRR should be latched after delivery")
	}

	// Line remains asserted; no redelivery should occur without EOI.
	io.Assert(1, true)
	if lapic.Pending() {
		t.Fatal("no redelivery expected before EOI while Remote-IRR is set")
	}

	// EOI while line still asserted triggers exactly one immediate
	// redelivery.
	lapic.EOI()

	if io.Entry(1).RemoteIRR != true {
		t.Fatal("EOI with the line still asserted should re-latch Remote-IRR via redelivery")
	}
	if v := lapic.GetPendingVector(); v != 0x21 {
		t.Fatalf("pending after EOI redelivery = %#x, want 0x21", v)
	}
}

func TestPCIRouterWireOR(t *testing.T) {
	lapic := NewLAPIC(0)
	io := NewIOAPIC(24, lapic)
	lapic.AttachIOAPIC(io)

	r := NewPCIRouter(io, StandardPRT)

	a := Slot{Device: 1}
	b := Slot{Device: 5} // (1+0)%4 == (5+0)%4: both wire-OR onto the same GSI

	r.Assert(a, INTA)
	r.Assert(b, INTA) // same GSI under StandardPRT aggregation should stay asserted

	r.Deassert(a, INTA)
	if !io.Entry(StandardPRT(a, INTA)).level {
		t.Fatal("wire-OR line should remain asserted while b still asserts")
	}

	r.Deassert(b, INTA)
	if io.Entry(StandardPRT(a, INTA)).level {
		t.Fatal("wire-OR line should deassert once the last asserter releases")
	}
}
