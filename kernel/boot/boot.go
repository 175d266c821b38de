// Package boot holds the pre-parsed payload handed to the kernel by its
// loader. Rather than a multiboot2 tag stream, this repository's loader
// contract hands over an already-decoded Info value instead of a blob of
// tag headers for the kernel to walk itself (see DESIGN.md for the
// rationale). The package keeps a visitor-callback shape for memory region
// enumeration even though the wire format changed.
package boot

// MemoryRegionKind classifies a firmware-reported physical memory region.
type MemoryRegionKind uint32

const (
	// Usable indicates that the region is free for the kernel to use.
	Usable MemoryRegionKind = iota

	// Bootloader marks memory consumed by the loader itself (page
	// tables, the loaded kernel image, the boot.Info structure) that
	// must not be reused until the kernel has copied anything it needs
	// out of it.
	Bootloader

	// UnknownBios marks a region the BIOS memory map reported with a
	// type this kernel does not recognise.
	UnknownBios

	// UnknownUefi marks a region the UEFI memory map reported with a
	// type this kernel does not recognise.
	UnknownUefi
)

// String implements fmt.Stringer for MemoryRegionKind.
func (k MemoryRegionKind) String() string {
	switch k {
	case Usable:
		return "usable"
	case Bootloader:
		return "bootloader"
	case UnknownBios:
		return "unknown (BIOS)"
	case UnknownUefi:
		return "unknown (UEFI)"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a single contiguous physical memory range reported
// by the firmware. Read-only; it is the sole source of truth for the
// physical memory state the frame allocator bootstraps from.
type MemoryRegion struct {
	Start, End uint64
	Kind       MemoryRegionKind
}

// PixelFormat describes how the bytes of a single framebuffer pixel are laid
// out.
type PixelFormat uint8

const (
	// PixelFormatRGB stores pixels as consecutive red, green, blue bytes.
	PixelFormatRGB PixelFormat = iota

	// PixelFormatBGR stores pixels as consecutive blue, green, red bytes.
	PixelFormatBGR

	// PixelFormatU8 is a single grayscale byte per pixel.
	PixelFormatU8
)

// FramebufferInfo describes a linear framebuffer set up by the loader.
type FramebufferInfo struct {
	Addr                  uint64
	Width, Height, Stride uint32
	BytesPerPixel         uint8
	PixelFormat           PixelFormat
}

// Info is the payload handed to the kernel by its loader. Exactly one
// instance exists for the lifetime of the kernel; it is registered once via
// SetInfo before any subsystem that depends on it (the memory manager, the
// frame allocator, ACPI) is initialised.
type Info struct {
	// PhysicalMemoryOffset is the virtual address at which the loader
	// has identity-offset-mapped the whole of usable physical memory.
	PhysicalMemoryOffset uint64

	// MemoryRegions lists every physical memory range the firmware
	// reported, in the order the firmware returned them.
	MemoryRegions []MemoryRegion

	// Framebuffer is nil if the loader did not set up a linear
	// framebuffer.
	Framebuffer *FramebufferInfo

	// RSDPAddr is the physical address of the ACPI RSDP, or 0 if the
	// loader could not locate one.
	RSDPAddr uint64

	// Ramdisk is nil if the loader did not hand over a ramdisk image.
	Ramdisk []byte
}

var active *Info

// SetInfo registers the boot.Info payload produced by the loader. It must be
// called before any other kernel subsystem queries boot state.
func SetInfo(info *Info) {
	active = info
}

// Current returns the boot.Info payload registered via SetInfo, or nil if
// SetInfo has not been called yet.
func Current() *Info {
	return active
}

// TestSetInfo is the test-only equivalent of SetInfo. It exists so package
// tests across the kernel can install a synthetic boot.Info without pulling
// in a real loader handoff.
func TestSetInfo(info *Info) {
	active = info
}

// MemRegionVisitor is invoked once per memory region known to the loader.
// The visitor must return true to continue the scan or false to abort it.
type MemRegionVisitor func(region *MemoryRegion) bool

// VisitMemRegions invokes visitor for every region reported in the active
// boot.Info, in the order the firmware provided them. It is a no-op if
// SetInfo has not been called.
func VisitMemRegions(visitor MemRegionVisitor) {
	if active == nil {
		return
	}

	for i := range active.MemoryRegions {
		if !visitor(&active.MemoryRegions[i]) {
			return
		}
	}
}
