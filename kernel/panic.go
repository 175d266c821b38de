package kernel

import "gopheros/kernel/kfmt"

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Every component above the memory
// subsystem calls this instead of the builtin panic since, once this layer
// detects a fault, there is no recovery path without a working allocator.
func Panic(e interface{}) {
	kfmt.Panic(e)
}
