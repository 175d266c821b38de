package device

import (
	"gopheros/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is sent
	// to w so the hal package can prefix it with the driver's name and
	// version before it reaches the active console.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn is a function that checks for the presence of a particular piece
// of hardware and, if found, returns a Driver instance for it. It returns
// nil if the hardware is not present.
type ProbeFn func() Driver

// DetectOrder specifies when, relative to the other registered drivers, a
// driver's ProbeFn should run. Lower values run first.
type DetectOrder uint8

const (
	// DetectOrderEarly is reserved for drivers that every other probe may
	// depend on (e.g. console/TTY plumbing).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI runs ahead of the ACPI driver itself, e.g. to
	// locate the RSDP via a BIOS-specific mechanism.
	DetectOrderBeforeACPI

	// DetectOrderACPI is used by the ACPI table-parsing driver.
	DetectOrderACPI

	// DetectOrderVideoConsole runs the framebuffer/VGA console probes.
	DetectOrderVideoConsole

	// DetectOrderTTY runs the TTY probes, after a console is available to
	// attach to.
	DetectOrderTTY

	// DetectOrderLast is reserved for drivers that must run after every
	// other driver has had a chance to probe.
	DetectOrderLast
)

// DriverInfo bundles a driver's probe function together with the order in
// which hal.DetectHardware should invoke it.
type DriverInfo struct {
	// Order controls this entry's position once a DriverInfoList is sorted;
	// DriverList itself returns entries in registration order.
	Order DetectOrder

	// Probe is invoked by hal.DetectHardware to test for and construct a
	// driver instance.
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// registeredDrivers accumulates every DriverInfo registered via
// RegisterDriver, typically from a driver package's init() function.
var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list returned by DriverList. It is
// normally called from a driver package's init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns a copy of the currently registered driver list so
// callers (and tests) can sort or filter it without mutating the package's
// own bookkeeping.
func DriverList() DriverInfoList {
	list := make(DriverInfoList, len(registeredDrivers))
	copy(list, registeredDrivers)
	return list
}
