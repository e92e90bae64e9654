package pocore

// Cleanup registry: a per-pool ordered list of (data, cleanup) pairs with
// a partial-order "before" relation, executed at pool teardown. Spec §4.D.

// CleanupRunFunc is invoked with the data pointer when a cleanup fires.
type CleanupRunFunc func(data any)

// CleanupShiftFunc is invoked with the data pointer if the owning pool is
// reparented to a different memroot/context, letting a registration react
// to the move. It is never invoked by a plain run/deregister.
type CleanupShiftFunc func(data any)

type cleanupRecord struct {
	data    any
	cleanup CleanupRunFunc
	shift   CleanupShiftFunc
	next    *cleanupRecord
}

// RegisterCleanup creates or updates data's cleanup registration on pool.
// If data is already registered, only the functions are overwritten -- the
// record keeps its position in the ordered list. cleanup must not be nil.
// Spec §4.D "register".
func (p *Pool) RegisterCleanup(data any, cleanup CleanupRunFunc, shift CleanupShiftFunc) error {
	if cleanup == nil {
		return Create(CodeBadParam, "cleanup function must not be nil")
	}

	for rec := p.cleanups; rec != nil; rec = rec.next {
		if rec.data == data {
			rec.cleanup = cleanup
			rec.shift = shift
			return nil
		}
	}

	rec := p.ctx.getCleanupRecord()
	rec.data = data
	rec.cleanup = cleanup
	rec.shift = shift
	rec.next = p.cleanups
	p.cleanups = rec
	return nil
}

// extractCleanup detaches the record for data from the list rooted at
// *head, returning it to the context free-list, and reports its cleanup
// function (nil if data was not found).
func extractCleanup(ctx *Context, head **cleanupRecord, data any) CleanupRunFunc {
	for cur := head; *cur != nil; cur = &(*cur).next {
		if (*cur).data == data {
			rec := *cur
			fn := rec.cleanup
			*cur = rec.next
			ctx.putCleanupRecord(rec)
			return fn
		}
	}
	return nil
}

// DeregisterCleanup removes data's registration without running it.
// Deregistering an unknown data value is a no-op. Spec §4.D "deregister".
func (p *Pool) DeregisterCleanup(data any) {
	extractCleanup(p.ctx, &p.cleanups, data)
}

// RunCleanup runs and deregisters data's cleanup if registered. Spec §4.D
// "run".
func (p *Pool) RunCleanup(data any) {
	if fn := extractCleanup(p.ctx, &p.cleanups, data); fn != nil {
		fn(data)
	}
}

// CleanupBefore ensures before's data runs before after's data in
// execution order. If after is unregistered the call is a no-op; if
// before is unregistered but after is registered, after is moved to the
// tail of the list. The correct strategy -- proven by the reference implementation's
// own comments -- is to push "after" away from the head, never to pull
// "before" toward the head; the latter breaks transitivity. Spec §4.D
// "before", §9 Design Notes.
func (p *Pool) CleanupBefore(before, after any) {
	if p.cleanups == nil {
		return
	}

	// Fast path: before is already at the head.
	if p.cleanups.data == before {
		return
	}

	var clAfter *cleanupRecord

	if p.cleanups.data == after {
		clAfter = p.cleanups
		if clAfter.next == nil {
			return
		}
		p.cleanups = clAfter.next

		if p.cleanups.data == before {
			clAfter.next = p.cleanups.next
			p.cleanups.next = clAfter
			return
		}
	}

	for scan := p.cleanups; scan.next != nil; scan = scan.next {
		if scan.next.data == before {
			if clAfter == nil {
				return // found "before" first; already correctly ordered
			}
			clAfter.next = scan.next.next
			scan.next.next = clAfter
			return
		}

		if scan.next.data == after {
			clAfter = scan.next
			scan.next = clAfter.next
		}
	}

	// Hit the end without finding "before". If "after" was unhooked along
	// the way, append it at the tail -- not the head, which is what the
	// reference implementation does and its own comments flag as likely
	// wrong (spec §9 Design Notes adopts the append policy instead).
	if clAfter != nil {
		tail := p.cleanups
		if tail == nil {
			p.cleanups = clAfter
			clAfter.next = nil
			return
		}
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = clAfter
		clAfter.next = nil
	}
}

// runAllCleanups drains the cleanup list head-to-tail, returning each
// record to the context free-list as it fires.
func (p *Pool) runAllCleanups() {
	for p.cleanups != nil {
		rec := p.cleanups
		p.cleanups = rec.next
		rec.cleanup(rec.data)
		p.ctx.putCleanupRecord(rec)
	}
}
