// Package zone defines the public allocator contract shared by every zone in
// this module and the single corruption-report path they use.
//
// # Overview
//
// A Zone hands out raw memory addressed by uintptr. Two implementations are
// provided:
//
//   - scalable.Zone: the size-class dispatcher. Requests up to the large
//     threshold are carved by the magazine allocator; bigger ones get their
//     own page-mapped region from the large allocator, which parks recently
//     freed regions on a bounded death-row cache.
//   - quarantine.Zone: a wrapper around any Zone that delays every free,
//     poisons the freed block, and records allocation and deallocation call
//     stacks so a later fault inside the block can be diagnosed.
//
// Both satisfy the same interface, so they compose transparently:
//
//	p := vm.NewMmapProvider()
//	base, _ := scalable.New(p, scalable.DefaultConfig())
//	z, _ := quarantine.New(base, p, quarantine.DefaultConfig())
//	ptr := z.Malloc(64)
//	z.Free(ptr)
//
// The malloc package builds the process default the same way, reading the
// Malloc* environment variables.
//
// # Failure model
//
// Allocation failure is a zero address. Misuse that the zone can detect
// (freeing an unallocated or misaligned pointer, double frees, freeing
// allocator metadata) goes through a Reporter. With AbortOnCorruption set,
// the default, the reporter panics with a *CorruptionError after logging;
// otherwise it logs, counts, and the offending call becomes a no-op.
//
// # Memory
//
// Addresses returned by a zone point at memory the Go garbage collector does
// not scan. Never store Go pointers in it. Use Bytes for a []byte view.
package zone
