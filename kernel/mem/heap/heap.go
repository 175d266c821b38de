// Package heap implements the kernel's general-purpose memory allocator. It
// hands out variably-sized blocks from a virtually-mapped arena that starts
// small and grows on demand by requesting more contiguous pages from the vmm
// package, mirroring the way the hosted Go runtime's sysAlloc grows the heap
// arena one mapping at a time instead of reserving everything up front.
//
// The arena itself is organized as a singly linked list of blocks ordered by
// address. Each block carries a small header recording its size and whether
// it is free; adjacent free blocks are coalesced on every Free call so that
// fragmentation never compounds across allocation/free cycles.
package heap

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sync"
	"unsafe"
)

const (
	// blockAlign is the alignment applied to every payload size. It must
	// be a multiple of unsafe.Sizeof(uintptr(0)) so that header pointers
	// carved out of the arena are always naturally aligned.
	blockAlign = 16

	// initialPages is the number of pages mapped by Init before any
	// allocation request has been made.
	initialPages = 1
)

var (
	lock sync.Spinlock

	// head is the first block in the arena's address-ordered list. It is
	// nil until Init succeeds.
	head *block

	// heapEnd is the first virtual address past the end of the mapped
	// arena; grow extends the arena starting here.
	heapEnd uintptr

	// pageCount is the number of pages currently backing the arena.
	pageCount uintptr

	// The following are mockable seams so tests can exercise allocation
	// and growth without mapping real pages.
	allocateContiguousFn = vmm.AllocateContiguous

	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "heap has not been initialized"}
	errOutOfMemory        = &kernel.Error{Module: "heap", Message: "could not grow heap: virtual address space exhausted"}
)

// block is the header prepended to every arena block, whether free or in
// use. It is always located blockHeaderSize bytes below the pointer handed
// back to (or passed into) Alloc/Free.
type block struct {
	// size is the size, in bytes, of the payload that follows this
	// header; it does not include unsafe.Sizeof(block{}) itself.
	size uintptr

	// free indicates whether this block is available for allocation.
	free bool

	// next is the next block in address order, or nil if this is the
	// last block in the arena.
	next *block
}

var blockHeaderSize = alignUp(unsafe.Sizeof(block{}))

// alignUp rounds size up to the next multiple of blockAlign.
func alignUp(size uintptr) uintptr {
	return (size + blockAlign - 1) &^ (blockAlign - 1)
}

// Init maps initialPages worth of virtual memory starting at or after
// earliest and installs it as the heap's single free block. It must be
// called exactly once, after the vmm package's dynamic range has been
// configured, and before any call to Alloc.
func Init(earliest uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	page, err := allocateContiguousFn(initialPages, earliest, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return err
	}

	base := page.Address()
	head = (*block)(unsafe.Pointer(base))
	head.size = uintptr(initialPages)*uintptr(mem.PageSize) - blockHeaderSize
	head.free = true
	head.next = nil

	heapEnd = base + uintptr(initialPages)*uintptr(mem.PageSize)
	pageCount = initialPages

	return nil
}

// Alloc returns a pointer to a payload of at least size bytes. Every
// returned pointer lies within a page mapped FlagPresent|FlagRW|FlagNoExecute
// by Init or a prior grow call. If the free list cannot satisfy the request,
// Alloc grows the arena by requesting more pages from the vmm package before
// retrying once.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	if head == nil {
		return 0, errHeapNotInitialized
	}

	needed := alignUp(uintptr(size))
	if needed == 0 {
		needed = blockAlign
	}

	if ptr, ok := allocFromFreeList(needed); ok {
		return ptr, nil
	}

	if err := grow(needed); err != nil {
		return 0, err
	}

	if ptr, ok := allocFromFreeList(needed); ok {
		return ptr, nil
	}

	return 0, errOutOfMemory
}

// allocFromFreeList performs a first-fit search of the block list, splitting
// the chosen block if the remainder is large enough to host a block of its
// own. It returns false if no free block is large enough.
func allocFromFreeList(needed uintptr) (uintptr, bool) {
	for b := head; b != nil; b = b.next {
		if !b.free || b.size < needed {
			continue
		}

		if remaining := b.size - needed; remaining >= blockHeaderSize+blockAlign {
			split := (*block)(unsafe.Pointer(blockPayload(b) + needed))
			split.size = remaining - blockHeaderSize
			split.free = true
			split.next = b.next

			b.size = needed
			b.next = split
		}

		b.free = false
		return blockPayload(b), true
	}

	return 0, false
}

// grow extends the arena by enough pages to satisfy an allocation of needed
// bytes that the current free list could not serve: as many pages as the
// arena already has, or needed*8 bytes' worth of pages (rounded up) if that
// is more, plus one.
func grow(needed uintptr) *kernel.Error {
	pageSize := uintptr(mem.PageSize)

	growPages := pageCount
	if byPages := (needed*8 + pageSize - 1) / pageSize; byPages > growPages {
		growPages = byPages
	}
	growPages++

	page, err := allocateContiguousFn(uint(growPages), heapEnd, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return errOutOfMemory
	}

	newBlockAddr := page.Address()
	newBlock := (*block)(unsafe.Pointer(newBlockAddr))
	newBlock.size = growPages*pageSize - blockHeaderSize
	newBlock.free = true
	newBlock.next = nil

	appendAndCoalesce(newBlock, newBlockAddr)

	heapEnd = newBlockAddr + growPages*pageSize
	pageCount += growPages

	return nil
}

// appendAndCoalesce links newBlock onto the tail of the arena's list,
// merging it with the previous tail block if AllocateContiguous happened to
// extend the mapping with no gap in between (the common case, since grow
// always anchors its request at heapEnd).
func appendAndCoalesce(newBlock *block, newBlockAddr uintptr) {
	last := head
	for last.next != nil {
		last = last.next
	}

	if last.free && blockPayload(last)+last.size == uintptr(unsafe.Pointer(newBlock)) {
		last.size += blockHeaderSize + newBlock.size
		return
	}

	last.next = newBlock
}

// Free returns the block containing ptr to the free list and coalesces it
// with its neighbors if they are also free. ptr must have been returned by a
// prior call to Alloc and not already freed.
func Free(ptr uintptr) {
	lock.Acquire()
	defer lock.Release()

	b := blockFromPayload(ptr)
	b.free = true

	for cur := head; cur != nil; cur = cur.next {
		for cur.next != nil && cur.free && cur.next.free && blockPayload(cur)+cur.size == uintptr(unsafe.Pointer(cur.next)) {
			cur.size += blockHeaderSize + cur.next.size
			cur.next = cur.next.next
		}
	}
}

// blockPayload returns the address of the payload that follows b's header.
func blockPayload(b *block) uintptr {
	return uintptr(unsafe.Pointer(b)) + blockHeaderSize
}

// blockFromPayload returns the header preceding a payload pointer previously
// handed out by Alloc.
func blockFromPayload(ptr uintptr) *block {
	return (*block)(unsafe.Pointer(ptr - blockHeaderSize))
}

// Stats reports the arena's current page count and the total number of free
// bytes across every free block, for diagnostic output.
func Stats() (pages uintptr, freeBytes uintptr) {
	lock.Acquire()
	defer lock.Release()

	for b := head; b != nil; b = b.next {
		if b.free {
			freeBytes += b.size
		}
	}

	return pageCount, freeBytes
}
