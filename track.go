package pocore

// Tracking registry: a context-wide lifetime dependency graph among
// arbitrary objects and pools. Spec §4.E.
//
// A tracked item may be cleaned up only once it has no live owners; when
// it is cleaned, each of its dependents has the item removed from its own
// owners list, so the dependent may in turn become eligible. Every Pool
// embeds its own trackRecord (see Pool.track) so it can participate in the
// graph without a separate allocation, matching spec §3's "Tracking
// record" data model.

// CleanupFunc is invoked, with the tracked pointer, when a tracked item is
// cleaned up.
type CleanupFunc func(tracked any)

type trackLink struct {
	reg  *trackRecord
	next *trackLink
}

type trackRecord struct {
	tracked   any
	cleanupFn CleanupFunc
	owners    *trackLink
	dependents *trackLink
	inUse     bool // false for a pool's embedded record until first touched
}

type trackingRegistry struct {
	byPtr map[any]*trackRecord

	freeLinks *trackLink
}

func (tg *trackingRegistry) getLink() *trackLink {
	if l := tg.freeLinks; l != nil {
		tg.freeLinks = l.next
		*l = trackLink{}
		return l
	}
	return &trackLink{}
}

func (tg *trackingRegistry) putLink(l *trackLink) {
	*l = trackLink{next: tg.freeLinks}
	tg.freeLinks = l
}

func (tg *trackingRegistry) addToList(list **trackLink, reg *trackRecord) {
	l := tg.getLink()
	l.reg = reg
	l.next = *list
	*list = l
}

func (tg *trackingRegistry) removeFromList(list **trackLink, reg *trackRecord) {
	scan := *list
	if scan == nil {
		return
	}
	if scan.reg == reg {
		*list = scan.next
		tg.putLink(scan)
		return
	}
	for scan.next != nil {
		if scan.next.reg == reg {
			dead := scan.next
			scan.next = dead.next
			tg.putLink(dead)
			return
		}
		scan = scan.next
	}
}

// lookup finds the trackRecord for ptr, special-casing *Pool so a pool's
// embedded record is used directly rather than indexed through the hash.
func (tg *trackingRegistry) lookup(ptr any) *trackRecord {
	if p, ok := ptr.(*Pool); ok {
		if !p.track.inUse {
			return nil
		}
		return &p.track
	}
	if tg.byPtr == nil {
		return nil
	}
	return tg.byPtr[ptr]
}

// Track registers ptr for lifetime tracking, or updates its cleanup
// function if already registered. Spec §4.E "track".
func (ctx *Context) Track(ptr any, cleanup CleanupFunc) {
	if p, ok := ptr.(*Pool); ok {
		p.track.tracked = ptr
		p.track.cleanupFn = cleanup
		p.track.inUse = true
		return
	}
	if ctx.tracking.byPtr == nil {
		ctx.tracking.byPtr = make(map[any]*trackRecord)
	}
	if reg := ctx.tracking.byPtr[ptr]; reg != nil {
		reg.cleanupFn = cleanup
		return
	}
	ctx.tracking.byPtr[ptr] = &trackRecord{tracked: ptr, cleanupFn: cleanup, inUse: true}
}

// TrackVia is Track routed through a pool's context. Spec §4.E "track_via".
func (p *Pool) TrackVia(ptr any, cleanup CleanupFunc) {
	p.ctx.Track(ptr, cleanup)
}

// TrackDeregister removes ptr's tracking record. ptr must have no owners;
// each of ptr's dependents has ptr removed from its own owners list so it
// may later become cleanup-eligible. Deregistering an object that was
// never tracked is a no-op.
func (ctx *Context) TrackDeregister(ptr any) error {
	reg := ctx.tracking.lookup(ptr)
	if reg == nil {
		return nil
	}
	if reg.owners != nil {
		return Create(CodeImproperDeregister, "%s", ErrImproperDeregister.Error())
	}

	for scan := reg.dependents; scan != nil; scan = scan.next {
		ctx.tracking.removeFromList(&scan.reg.owners, reg)
	}

	if p, ok := ptr.(*Pool); ok {
		p.track = trackRecord{}
	} else if ctx.tracking.byPtr != nil {
		delete(ctx.tracking.byPtr, ptr)
	}
	return nil
}

// TrackDependent records that dependent relies on owner: dependent may not
// be cleaned up while owner is still tracked, and when owner is cleaned,
// dependent has owner removed from dependent's own owners list (so
// dependent may then become eligible). Both must already be tracked.
func (ctx *Context) TrackDependent(owner, dependent any) error {
	regOwner := ctx.tracking.lookup(owner)
	if regOwner == nil {
		return Create(CodeNotRegistered, "owner is not tracked")
	}
	regDep := ctx.tracking.lookup(dependent)
	if regDep == nil {
		return Create(CodeNotRegistered, "dependent is not tracked")
	}

	ctx.tracking.addToList(&regOwner.dependents, regDep)
	ctx.tracking.addToList(&regDep.owners, regOwner)
	return nil
}

// TrackOwnsPool ensures pool is itself tracked (wiring its embedded
// record into the graph if this is its first use) and records owner as
// one of its owners. Spec §4.E "owns_pool".
func (ctx *Context) TrackOwnsPool(owner any, pool *Pool) error {
	if !pool.track.inUse {
		pool.track.tracked = pool
		pool.track.cleanupFn = func(any) { _ = pool.Destroy() }
		pool.track.inUse = true
	}
	return ctx.TrackDependent(owner, pool)
}

// TrackCleanup runs ptr's cleanup function and deregisters it. ptr must
// have no owners. Spec §4.E "cleanup".
func (ctx *Context) TrackCleanup(ptr any) error {
	reg := ctx.tracking.lookup(ptr)
	if reg == nil {
		return nil
	}
	if reg.owners != nil {
		return Create(CodeImproperCleanup, "%s", ErrImproperCleanup.Error())
	}

	if reg.cleanupFn != nil {
		reg.cleanupFn(ptr)
	}
	return ctx.TrackDeregister(ptr)
}
