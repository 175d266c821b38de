package acpi

import (
	"gopheros/device/acpi/table"
	"unsafe"
)

const madtLocalAPICEnabledFlag = 1

// LocalApicAddress returns the physical MMIO address of the local APIC as
// reported by the MADT, or 0 if no MADT table has been enumerated.
func (drv *acpiDriver) LocalApicAddress() uint32 {
	madtHeader, ok := drv.tableMap["APIC"]
	if !ok {
		return 0
	}

	return (*table.MADT)(unsafe.Pointer(madtHeader)).LocalControllerAddress
}

// ApplicationProcessors returns the local APIC ID of every enabled processor
// enumerated by the MADT except for the supplied bootstrap processor ID.
// Entries whose enabled flag is unset describe a socket that is physically
// present but not usable and are skipped.
func (drv *acpiDriver) ApplicationProcessors(bspApicID uint8) []uint8 {
	madtHeader, ok := drv.tableMap["APIC"]
	if !ok {
		return nil
	}

	var (
		apIDs      []uint8
		entriesEnd = uintptr(unsafe.Pointer(madtHeader)) + uintptr(madtHeader.Length)
		entryAddr  = uintptr(unsafe.Pointer(madtHeader)) + unsafe.Sizeof(table.MADT{})
	)

	for entryAddr < entriesEnd {
		entry := (*table.MADTEntry)(unsafe.Pointer(entryAddr))
		if entry.Length == 0 {
			break
		}

		if entry.Type == table.MADTEntryTypeLocalAPIC {
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(entryAddr + unsafe.Sizeof(table.MADTEntry{})))
			if lapic.Flags&madtLocalAPICEnabledFlag != 0 && lapic.APICID != bspApicID {
				apIDs = append(apIDs, lapic.APICID)
			}
		}

		entryAddr += uintptr(entry.Length)
	}

	return apIDs
}
