// Package pocore is a small, embeddable systems runtime: a pool allocator
// with best-fit remnant recycling, a cleanup/tracking layer that gives
// pools deterministic destruction order, and a single-threaded event-driven
// channel engine for non-blocking socket I/O.
//
// Everything hangs off a [Context], the process-visible root for one
// independent instance of the runtime. Applications that need more than one
// independent instance create more than one Context; Contexts share nothing
// and must each be driven from a single goroutine.
//
// # Allocation
//
// [Pool] is a region (arena) allocator. Pools are created under a
// [Context] with [NewRootPool], or as children of another pool with
// [Pool.CreateChild]. Allocations are bump-pointer fast, freed spans are
// recycled through a package-internal best-fit tree index, and an
// entire pool (and its descendants) is released in one call to
// [Pool.Destroy] or reset in place with [Pool.Clear].
//
// # Cleanup and tracking
//
// [Pool.RegisterCleanup] attaches arbitrary teardown logic to a pool's
// lifetime, with an explicit ordering constraint via [Pool.CleanupBefore].
// [Context.Track] extends this into a dependency graph across arbitrary
// objects (not just pools), so that an object is only cleaned up once its
// owners have released it.
//
// # Channels
//
// A [Context] lazily creates a single-threaded, non-blocking reactor on
// first use (the first call to [Context.Run] or any dial/listen method).
// [Channel] wraps a socket with callback-driven read/write protocols
// designed for high fan-out: [Channel.DesireRead] / [Channel.DesireWrite]
// arm a consumer/producer callback pair, and [Context.Run] drives exactly
// one pass of the event loop per call.
package pocore
