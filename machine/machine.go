// Top-level composed machine
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package machine wires every subsystem — MemBus, MMU-backed
// interpreter, interrupt fabric, platform clock, PCI configuration
// space, DMA devices, and the GPU command stream — into one composed
// value, and owns snapshot save/restore orchestration across all of
// them in dependency order.
//
// The host driver that embeds this package (browser worker glue, the
// CLI/xtask driver, disk streaming backends) is out of scope; Config
// is the entire surface it uses to construct a Machine.
package machine

import (
	"fmt"
	"sort"
	"time"

	"github.com/sandboxvm/x86core/cpu"
	"github.com/sandboxvm/x86core/dmadevices/ahci"
	"github.com/sandboxvm/x86core/dmadevices/e1000"
	"github.com/sandboxvm/x86core/dmadevices/nvme"
	"github.com/sandboxvm/x86core/dmadevices/uhci"
	"github.com/sandboxvm/x86core/gpucmdstream"
	"github.com/sandboxvm/x86core/interp"
	"github.com/sandboxvm/x86core/interrupt"
	"github.com/sandboxvm/x86core/membus"
	"github.com/sandboxvm/x86core/pcicore"
	"github.com/sandboxvm/x86core/platformclock"
	"github.com/sandboxvm/x86core/snapshot"
)

// Config is the struct-literal configuration the host driver builds
// and passes to New — RAM size, an optional snapshot blob to restore
// from, and the device backends wired at construction time.
type Config struct {
	RAMSizeBytes int

	// SnapshotBlob, if non-nil, is loaded immediately after construction
	// instead of starting from the power-on reset state.
	SnapshotBlob []byte

	IOAPICEntries int

	// NVMeNamespaceBytes sizes the NVMe namespace's backing store.
	NVMeNamespaceBytes int
	// AHCIStorageBytes sizes the AHCI port's backing store.
	AHCIStorageBytes int
}

// Machine is the composed value: every subsystem plus the glue
// between them.
type Machine struct {
	Bus   *membus.Bus
	CPU   *cpu.State
	Interp *interp.Machine

	Clock *platformclock.Clock

	PIC       *interrupt.PIC
	IOAPIC    *interrupt.IOAPIC
	LAPIC     *interrupt.LAPIC
	PCIRouter *interrupt.PCIRouter

	PCI *pcicore.ConfigSpace

	PIT    *platformclock.PIT
	CMOS   *platformclock.CMOS
	I8042  *platformclock.I8042
	AcpiPM *platformclock.AcpiPM

	NVMe  *nvme.Controller
	UHCI  *uhci.Controller
	AHCI  *ahci.Port
	E1000TX *e1000.TxRing
	E1000RX *e1000.RxRing
	GPU   *gpucmdstream.Executor
}

// PCI slot assignments (bus 0, function 0), consistent with
// interrupt.StandardPRT's (device+pin)%4 wire-OR rotation.
var (
	nvmeSlot  = interrupt.Slot{Device: 1}
	uhciSlot  = interrupt.Slot{Device: 2}
	ahciSlot  = interrupt.Slot{Device: 3}
	e1000Slot = interrupt.Slot{Device: 4}
	gpuSlot   = interrupt.Slot{Device: 5}
)

func pciSlotAddr(s interrupt.Slot) int {
	return int(s.Bus)<<8 | int(s.Device)<<3 | int(s.Function)
}

// acpiSCIIRQ is the legacy ISA IRQ/GSI the ACPI SCI is wired to.
const acpiSCIIRQ = 9

// New constructs a Machine from cfg: allocates the memory bus, resets
// the CPU to power-on state, wires the interrupt fabric (the IOAPIC
// delivers into the single LAPIC; the PIC is given the LAPIC as its
// sink but never calls it, so PIC requests are taken by polling
// PIC.Pending and PIC.Acknowledge), and attaches the DMA device
// controllers. If cfg.SnapshotBlob is set, Load replaces the reset
// state immediately after construction.
func New(cfg Config) (*Machine, error) {
	if cfg.RAMSizeBytes <= 0 {
		return nil, fmt.Errorf("machine: RAM size must be positive")
	}

	bus := membus.New(cfg.RAMSizeBytes)
	lapic := interrupt.NewLAPIC(0)
	ioapic := interrupt.NewIOAPIC(cfg.IOAPICEntries, lapic)
	lapic.AttachIOAPIC(ioapic)
	pic := interrupt.NewPIC(lapic)
	router := interrupt.NewPCIRouter(ioapic, interrupt.StandardPRT)
	clock := platformclock.New()

	pit := platformclock.NewPIT(func() {
		// PIT IRQ0 is a pulse: the line only needs to be observed high by
		// the cascade's edge detector, not held.
		pic.Assert(0, true)
		pic.Assert(0, false)
	})
	clock.Subscribe(platformclock.NewPITClockSource(pit))

	m := &Machine{
		Bus:       bus,
		CPU:       cpu.New(),
		Clock:     clock,
		PIC:       pic,
		IOAPIC:    ioapic,
		LAPIC:     lapic,
		PCIRouter: router,
		PCI:       pcicore.NewConfigSpace(),
		PIT:       pit,
		CMOS:      platformclock.NewCMOS(),
		I8042:     platformclock.NewI8042(),
		AcpiPM:    platformclock.NewAcpiPM(clock, ioapic, acpiSCIIRQ),
		NVMe:      &nvme.Controller{Bus: bus, NS: &nvme.Namespace{Data: make([]byte, max(cfg.NVMeNamespaceBytes, 512))}},
		UHCI:      &uhci.Controller{Bus: bus, Devices: make(map[uint8]uhci.Device)},
		AHCI:      &ahci.Port{Bus: bus, Storage: make([]byte, max(cfg.AHCIStorageBytes, 512))},
		E1000TX:   &e1000.TxRing{Bus: bus},
		E1000RX:   &e1000.RxRing{Bus: bus},
	}
	m.GPU = &gpucmdstream.Executor{Bus: bus, RaiseIRQ: func() {
		m.PCIRouter.Assert(gpuSlot, interrupt.INTA)
	}}
	m.Interp = &interp.Machine{State: m.CPU, Bus: bus}

	m.PCI.Attach(pcicore.NewFunction(pciSlotAddr(nvmeSlot), 0x1b36, 0x0010, [3]byte{0x01, 0x08, 0x02}, 1))
	m.PCI.Attach(pcicore.NewFunction(pciSlotAddr(uhciSlot), 0x8086, 0x7020, [3]byte{0x0c, 0x03, 0x00}, 1))
	m.PCI.Attach(pcicore.NewFunction(pciSlotAddr(ahciSlot), 0x8086, 0x2922, [3]byte{0x01, 0x06, 0x01}, 1))
	m.PCI.Attach(pcicore.NewFunction(pciSlotAddr(e1000Slot), 0x8086, 0x100e, [3]byte{0x02, 0x00, 0x00}, 1))
	m.PCI.Attach(pcicore.NewFunction(pciSlotAddr(gpuSlot), 0x1af4, 0x1050, [3]byte{0x03, 0x00, 0x00}, 1))

	bus.RegisterPort(interrupt.PortMasterCommand, picPort{pic, interrupt.PortMasterCommand})
	bus.RegisterPort(interrupt.PortMasterData, picPort{pic, interrupt.PortMasterData})
	bus.RegisterPort(interrupt.PortSlaveCommand, picPort{pic, interrupt.PortSlaveCommand})
	bus.RegisterPort(interrupt.PortSlaveData, picPort{pic, interrupt.PortSlaveData})

	bus.RegisterPort(0xcf8, configAddrPort{m.PCI})
	for _, port := range []uint16{0xcfc, 0xcfd, 0xcfe, 0xcff} {
		bus.RegisterPort(port, configDataPort{m.PCI, port})
	}

	platformclock.RegisterPIT(bus, pit)
	platformclock.RegisterCMOS(bus, m.CMOS)
	platformclock.RegisterI8042(bus, m.I8042)
	platformclock.RegisterAcpiPM(bus, m.AcpiPM)

	if cfg.SnapshotBlob != nil {
		if err := m.Load(cfg.SnapshotBlob); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// picPort adapts one legacy PIC port address to membus.Port, dispatching
// through the PIC's port-wide ReadPort/WritePort.
type picPort struct {
	pic  *interrupt.PIC
	port uint16
}

func (p picPort) In(size int) uint64       { return uint64(p.pic.ReadPort(p.port)) }
func (p picPort) Out(size int, val uint64) { p.pic.WritePort(p.port, uint8(val)) }

// configAddrPort adapts the 0xCF8 CONFIG_ADDRESS register to membus.Port.
type configAddrPort struct{ cs *pcicore.ConfigSpace }

func (p configAddrPort) In(size int) uint64       { return uint64(p.cs.ReadAddress()) }
func (p configAddrPort) Out(size int, val uint64) { p.cs.WriteAddress(uint32(val)) }

// configDataPort adapts one byte lane of the 0xCFC-0xCFF CONFIG_DATA
// window to membus.Port.
type configDataPort struct {
	cs   *pcicore.ConfigSpace
	port uint16
}

func (p configDataPort) In(size int) uint64 { return uint64(p.cs.ReadData(p.port, size)) }
func (p configDataPort) Out(size int, val uint64) {
	p.cs.WriteData(p.port, size, uint32(val))
}

// ExecuteNVMe issues one NVMe submission entry against the namespace and
// asserts the function's PCI INTx line for the completion queue entry
// produced; the driver acknowledges by calling AckNVMeInterrupt once it
// has drained pending CQEs.
func (m *Machine) ExecuteNVMe(sqid, sqHead uint16, e nvme.SubmissionEntry) nvme.CompletionEntry {
	comp := m.NVMe.Execute(sqid, sqHead, e)
	m.PCIRouter.Assert(nvmeSlot, interrupt.INTA)
	return comp
}

// AckNVMeInterrupt deasserts the NVMe function's INTx line.
func (m *Machine) AckNVMeInterrupt() {
	m.PCIRouter.Deassert(nvmeSlot, interrupt.INTA)
}

// WalkUHCIFrame processes one UHCI frame and asserts the controller's
// INTx line when the frame completed with USBINT or HSE set, matching
// the real UHCI status-register interrupt sources.
func (m *Machine) WalkUHCIFrame(frameListBase uint32, frameIndex int) uhci.FrameStats {
	stats := m.UHCI.WalkFrame(frameListBase, frameIndex)
	if stats.USBInterrupt || stats.HostSystemError {
		m.PCIRouter.Assert(uhciSlot, interrupt.INTA)
	}
	return stats
}

// AckUHCIInterrupt deasserts the UHCI controller's INTx line.
func (m *Machine) AckUHCIInterrupt() {
	m.PCIRouter.Deassert(uhciSlot, interrupt.INTA)
}

// IssueAHCICommand runs one AHCI command and asserts the port's INTx
// line whenever the command leaves a DHRS or TFES bit set in the port's
// interrupt-status register.
func (m *Machine) IssueAHCICommand(slot int, lba uint64, sectorCount uint32) error {
	err := m.AHCI.IssueCommand(slot, lba, sectorCount)
	if m.AHCI.InterruptStatus != 0 {
		m.PCIRouter.Assert(ahciSlot, interrupt.INTA)
	}
	return err
}

// AckAHCIInterrupt clears the port's interrupt-status register and
// deasserts its INTx line, matching a driver writing 1s to IS to clear
// serviced interrupt sources.
func (m *Machine) AckAHCIInterrupt() {
	m.AHCI.InterruptStatus = 0
	m.PCIRouter.Deassert(ahciSlot, interrupt.INTA)
}

// DeliverE1000RX places one received frame into the RX ring and asserts
// the function's INTx line on success (RXDW/RXT0 in real hardware).
func (m *Machine) DeliverE1000RX(frame []byte) (bool, error) {
	ok, err := m.E1000RX.Deliver(frame)
	if ok {
		m.PCIRouter.Assert(e1000Slot, interrupt.INTA)
	}
	return ok, err
}

// DrainE1000TX drains completed TX descriptors and asserts the
// function's INTx line whenever at least one descriptor retired (TXDW).
func (m *Machine) DrainE1000TX(emit func(packet []byte)) (int, error) {
	n, err := m.E1000TX.Drain(emit)
	if n > 0 {
		m.PCIRouter.Assert(e1000Slot, interrupt.INTA)
	}
	return n, err
}

// AckE1000Interrupt deasserts the e1000 function's INTx line.
func (m *Machine) AckE1000Interrupt() {
	m.PCIRouter.Deassert(e1000Slot, interrupt.INTA)
}

// AckGPUInterrupt deasserts the GPU function's INTx line, once the
// driver has observed the completed fence.
func (m *Machine) AckGPUInterrupt() {
	m.PCIRouter.Deassert(gpuSlot, interrupt.INTA)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Step executes one interpreter instruction.
func (m *Machine) Step() (interp.StepExit, error) {
	return interp.Step(m.Interp)
}

// Advance moves the platform clock forward by delta, ticking every
// subscribed timer source.
func (m *Machine) Advance(delta time.Duration) {
	m.Clock.Advance(delta)
}

// snapshot device-id fourccs and section ids.
var (
	deviceCPU   = [4]byte{'C', 'P', 'U', '0'}
	deviceClock = [4]byte{'C', 'L', 'K', '0'}
	deviceNVMe  = [4]byte{'N', 'V', 'M', 'E'}
	deviceAHCI  = [4]byte{'D', 'S', 'K', 'C'}
)

// CPU register field tags. tagGPR through tagGPR+15 hold the 16
// general-purpose registers; the rest are assigned explicit values
// rather than continuing an iota sequence, since Go repeats the prior
// ConstSpec's expression (tagGPR+16) for every unadorned line after it
// — a sequence of "iota"-looking lines here would silently collide.
const (
	tagRIP    = 0
	tagRFLAGS = 1
	tagGPR    = 2 // tagGPR .. tagGPR+15, one per GPR
	tagCR0    = 18
	tagCR2    = 19
	tagCR3    = 20
	tagCR4    = 21
	tagEFER   = 22
	tagMode   = 23
	tagCPL    = 24
)

// Save serializes the entire machine into one self-describing TLV
// blob: a CPU section, a Memory section (all of guest RAM), a Platform
// (clock) section, and a Devices section holding the NVMe and AHCI
// backing stores.
func (m *Machine) Save() []byte {
	b := snapshot.NewBuilder()

	b.AddSection(snapshot.SectionCPU, m.saveCPU())
	b.AddSection(snapshot.SectionMemory, append([]byte{}, m.Bus.Bytes()...))
	b.AddSection(snapshot.SectionPlatform, m.saveClock())
	b.AddDevices(m.saveDevices())

	return b.Finish()
}

func (m *Machine) saveCPU() []byte {
	w := snapshot.NewFieldWriter(deviceCPU, snapshot.Version{Major: 1, Minor: 0})
	w.FieldU64(tagRIP, m.CPU.RIP)
	w.FieldU64(tagRFLAGS, m.CPU.RFLAGS)
	for i, v := range m.CPU.GPR {
		w.FieldU64(uint16(tagGPR+i), v)
	}
	w.FieldU64(tagCR0, m.CPU.CR0)
	w.FieldU64(tagCR2, m.CPU.CR2)
	w.FieldU64(tagCR3, m.CPU.CR3)
	w.FieldU64(tagCR4, m.CPU.CR4)
	w.FieldU64(tagEFER, m.CPU.EFER)
	w.FieldU8(tagMode, uint8(m.CPU.Mode))
	w.FieldU8(tagCPL, uint8(m.CPU.CPL))
	return w.Finish()
}

const tagClockNow = 0

func (m *Machine) saveClock() []byte {
	w := snapshot.NewFieldWriter(deviceClock, snapshot.Version{Major: 1, Minor: 0})
	w.FieldU64(tagClockNow, uint64(m.Clock.Now()))
	return w.Finish()
}

// tagBlockData is the backing-store field tag shared by the NVMe and
// AHCI device sections; each is a distinct device-id entry, so the two
// uses never collide.
const tagBlockData = 0

func (m *Machine) saveDevices() [][]byte {
	var entries [][]byte

	nvmeW := snapshot.NewFieldWriter(deviceNVMe, snapshot.Version{Major: 1, Minor: 0})
	nvmeW.FieldBytes(tagBlockData, m.NVMe.NS.Data)
	entries = append(entries, nvmeW.Finish())

	ahciW := snapshot.NewFieldWriter(deviceAHCI, snapshot.Version{Major: 1, Minor: 0})
	ahciW.FieldBytes(tagBlockData, m.AHCI.Storage)
	entries = append(entries, ahciW.Finish())

	// Sort by device-id fourcc so device order is deterministic
	// regardless of map iteration or future additions.
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i][:4]) < string(entries[j][:4])
	})

	return entries
}

// Load restores a Machine's state from a blob produced by Save,
// replacing CPU, memory, clock and device state in place, then
// re-drives level-triggered interrupt lines that were not themselves
// serialized: Poll on the IOAPIC, SyncLevelsToSink on the PCI router.
func (m *Machine) Load(blob []byte) error {
	c, err := snapshot.Parse(blob)
	if err != nil {
		return err
	}

	if cpuSec, ok := c.Section(snapshot.SectionCPU); ok {
		if err := m.loadCPU(cpuSec); err != nil {
			return err
		}
	}
	if memSec, ok := c.Section(snapshot.SectionMemory); ok {
		copy(m.Bus.Bytes(), memSec)
	}
	if clkSec, ok := c.Section(snapshot.SectionPlatform); ok {
		if err := m.loadClock(clkSec); err != nil {
			return err
		}
	}

	devices, err := c.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if err := m.loadDevice(d); err != nil {
			return err
		}
	}

	m.IOAPIC.Poll()
	m.PCIRouter.SyncLevelsToSink()

	return nil
}

func (m *Machine) loadCPU(raw []byte) error {
	r, _, err := snapshot.ParseFieldReader(raw)
	if err != nil {
		return err
	}
	if err := r.EnsureDeviceMajor(1); err != nil {
		return err
	}

	if v, ok := r.U64(tagRIP); ok {
		m.CPU.RIP = v
	}
	if v, ok := r.U64(tagRFLAGS); ok {
		m.CPU.RFLAGS = v
	}
	for i := range m.CPU.GPR {
		if v, ok := r.U64(uint16(tagGPR + i)); ok {
			m.CPU.GPR[i] = v
		}
	}
	if v, ok := r.U64(tagCR0); ok {
		m.CPU.CR0 = v
	}
	if v, ok := r.U64(tagCR2); ok {
		m.CPU.CR2 = v
	}
	if v, ok := r.U64(tagCR3); ok {
		m.CPU.CR3 = v
	}
	if v, ok := r.U64(tagCR4); ok {
		m.CPU.CR4 = v
	}
	if v, ok := r.U64(tagEFER); ok {
		m.CPU.EFER = v
	}
	if v, ok := r.U8(tagMode); ok {
		m.CPU.Mode = cpu.Mode(v)
	}
	if v, ok := r.U8(tagCPL); ok {
		m.CPU.CPL = int(v)
	}
	return nil
}

func (m *Machine) loadClock(raw []byte) error {
	r, _, err := snapshot.ParseFieldReader(raw)
	if err != nil {
		return err
	}
	if err := r.EnsureDeviceMajor(1); err != nil {
		return err
	}
	if v, ok := r.U64(tagClockNow); ok {
		// Clock.now is private; re-derive it by advancing from zero.
		// The clock has just been constructed (or is being restored
		// into a fresh Machine), so its current value is 0 and this
		// single Advance call lands exactly on the saved timestamp.
		m.Clock.Advance(time.Duration(v) - m.Clock.Now())
	}
	return nil
}

func (m *Machine) loadDevice(r *snapshot.FieldReader) error {
	id := r.DeviceID()
	switch id {
	case deviceNVMe:
		if err := r.EnsureDeviceMajor(1); err != nil {
			return err
		}
		if data, ok := r.Bytes(tagBlockData); ok {
			m.NVMe.NS.Data = append([]byte{}, data...)
		}
	case deviceAHCI:
		if err := r.EnsureDeviceMajor(1); err != nil {
			return err
		}
		if data, ok := r.Bytes(tagBlockData); ok {
			m.AHCI.Storage = append([]byte{}, data...)
		}
	default:
		return fmt.Errorf("machine: unknown device id %q in snapshot", id)
	}
	return nil
}
