package pmm

import "gopheros/kernel"

var (
	// errPageTrackerShrink is returned by PageTracker.Grow when asked to
	// install a backing array smaller than the one it already owns.
	errPageTrackerShrink = &kernel.Error{Module: "page_tracker", Message: "page tracker cannot shrink its backing bitmap"}

	// ErrFrameRangeNotFound is returned by PageTracker.FindFreeRange when
	// no window of the requested size is free within the tracked range.
	ErrFrameRangeNotFound = &kernel.Error{Module: "page_tracker", Message: "no free frame range of the requested size"}
)

const bitsPerWord = 64

// PageTracker is a growable bit-per-page used/free set indexed by page
// number (physical address >> mem.PageShift). Bit i is set if and only if
// frame i is allocated or reserved. PageTracker owns no allocator of its
// own: callers that need more tracking capacity than the current backing
// array provides must obtain the storage themselves (typically by mapping
// additional pages) and hand it to Grow.
type PageTracker struct {
	bits []uint64
}

// PageCap returns the number of pages this tracker can currently represent.
// Pages at or beyond this index are treated as used by every query method
// until the tracker is grown to cover them.
func (t *PageTracker) PageCap() uint64 {
	return uint64(len(t.bits)) * bitsPerWord
}

// Grow installs a new backing array for the tracker, copying over the
// previous contents. words must be at least as large as the tracker's
// current backing array; Grow never shrinks the tracker, matching the "never
// shrinks" invariant from the data model. The newly added words must already
// be zeroed by the caller (freshly mapped pages are).
func (t *PageTracker) Grow(words []uint64) *kernel.Error {
	if len(words) < len(t.bits) {
		return errPageTrackerShrink
	}
	copy(words, t.bits)
	t.bits = words
	return nil
}

func wordAndMask(page uint64) (uint64, uint64) {
	return page / bitsPerWord, 1 << (page % bitsPerWord)
}

// IsUsed returns true if the frame at the given page number is allocated or
// reserved. Pages beyond the tracker's current capacity are reported as
// used since the tracker has no record of them.
func (t *PageTracker) IsUsed(page uint64) bool {
	word, mask := wordAndMask(page)
	if word >= uint64(len(t.bits)) {
		return true
	}
	return t.bits[word]&mask != 0
}

// Reserve marks the frame at the given page number as used. Pages beyond the
// tracker's capacity are silently ignored; the caller is expected to Grow
// the tracker before reserving pages it cannot yet represent.
func (t *PageTracker) Reserve(page uint64) {
	word, mask := wordAndMask(page)
	if word < uint64(len(t.bits)) {
		t.bits[word] |= mask
	}
}

// Free marks the frame at the given page number as free.
func (t *PageTracker) Free(page uint64) {
	word, mask := wordAndMask(page)
	if word < uint64(len(t.bits)) {
		t.bits[word] &^= mask
	}
}

// ReserveRange marks n consecutive pages starting at start as used.
func (t *PageTracker) ReserveRange(start, n uint64) {
	for page := start; page < start+n; page++ {
		t.Reserve(page)
	}
}

// FreeRange marks n consecutive pages starting at start as free.
func (t *PageTracker) FreeRange(start, n uint64) {
	for page := start; page < start+n; page++ {
		t.Free(page)
	}
}

// FindFreeRange scans forward from start looking for a window of n
// consecutive free pages, bounded by the tracker's current capacity. On
// encountering a used page inside the current window, the window is
// restarted just past that page; the scan never backtracks. It returns
// ErrFrameRangeNotFound if no such window exists.
func (t *PageTracker) FindFreeRange(start, n uint64) (uint64, *kernel.Error) {
	if n == 0 {
		return start, nil
	}

	var (
		limit       = t.PageCap()
		windowStart = start
		count       uint64
	)

	for page := start; page < limit; page++ {
		if t.IsUsed(page) {
			windowStart = page + 1
			count = 0
			continue
		}

		if count++; count == n {
			return windowStart, nil
		}
	}

	return 0, ErrFrameRangeNotFound
}

// FindFreeRangeBounded behaves like FindFreeRange but never considers pages
// at or beyond limit, regardless of the tracker's own capacity. It is used
// to satisfy allocation requests that must stay within a sub-range of
// physical memory (e.g. conventional memory for the AP trampoline).
func (t *PageTracker) FindFreeRangeBounded(start, n, limit uint64) (uint64, *kernel.Error) {
	if n == 0 {
		return start, nil
	}
	if cap := t.PageCap(); limit > cap {
		limit = cap
	}

	var (
		windowStart = start
		count       uint64
	)

	for page := start; page < limit; page++ {
		if t.IsUsed(page) {
			windowStart = page + 1
			count = 0
			continue
		}

		if count++; count == n {
			return windowStart, nil
		}
	}

	return 0, ErrFrameRangeNotFound
}
