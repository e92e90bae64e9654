package pocore

// memtree is a red-black tree that indexes free memory spans by size,
// supporting O(log n) insertion and best-fit (smallest size >= requested)
// fetch. Spec §4.A.
//
// The reference implementation overlays tree nodes directly on the freed
// memory they describe, so that recycling a block costs no allocation.
// That trick relies on C's "this pointer is whatever memory I say it is"
// model; in memory-safe Go it is replaced with the alternative the design
// notes explicitly sanction (§9, "Design Notes"): a small struct per free
// span, holding a slice header over the span rather than living inside it.
// The size/color encoding the spec's testable properties check (§8) is
// kept verbatim -- color lives in bit 0 of the size field -- even though
// Go no longer needs the space trick, because the encoding is part of this
// component's observable contract.
//
// The rest of the algorithm (best-fit descent, in-place red-black
// deletion with a predecessor swap that preserves node identity) is a
// direct port of the reference implementation's memtree.c.

const maxTreeDepth = 64

type mtnode struct {
	sizeColor int
	chain     *mtnode // singly-linked chain of same-size free spans
	smaller   *mtnode
	larger    *mtnode
	mem       []byte
}

func newMtnode(mem []byte) *mtnode {
	return &mtnode{sizeColor: len(mem), mem: mem}
}

func (n *mtnode) size() int     { return n.sizeColor &^ 1 }
func (n *mtnode) isRed() bool   { return n.sizeColor&1 == 1 }
func (n *mtnode) isBlack() bool { return n.sizeColor&1 == 0 }
func (n *mtnode) makeRed()      { n.sizeColor |= 1 }
func (n *mtnode) makeBlack()    { n.sizeColor &^= 1 }

func isBlackOrNil(n *mtnode) bool { return n == nil || n.isBlack() }

// tree is a best-fit index of free memory spans, keyed by size.
type tree struct {
	root *mtnode
}

func parentAt(parents [maxTreeDepth]*mtnode, depth int) *mtnode {
	if depth <= 0 {
		return nil
	}
	return parents[depth-1]
}

func grandparentAt(parents [maxTreeDepth]*mtnode, depth int) *mtnode {
	if depth <= 1 {
		return nil
	}
	return parents[depth-2]
}

func getUncle(parents [maxTreeDepth]*mtnode, depth int) *mtnode {
	gramps := grandparentAt(parents, depth)
	if gramps == nil {
		return nil
	}
	if parentAt(parents, depth) == gramps.smaller {
		return gramps.larger
	}
	return gramps.smaller
}

// getReference returns a pointer to whichever link refers to target: the
// parent's smaller/larger field, or the tree's root field.
func getReference(parents [maxTreeDepth]*mtnode, depth int, target *mtnode, root **mtnode) **mtnode {
	parent := parentAt(parents, depth)
	if parent == nil {
		return root
	}
	if parent.smaller == target {
		return &parent.smaller
	}
	return &parent.larger
}

func rotateLeft(newRoot *mtnode, oldRootRef **mtnode) {
	oldRoot := *oldRootRef
	oldRoot.larger = newRoot.smaller
	newRoot.smaller = oldRoot
	*oldRootRef = newRoot
}

func rotateRight(newRoot *mtnode, oldRootRef **mtnode) {
	oldRoot := *oldRootRef
	oldRoot.smaller = newRoot.larger
	newRoot.larger = oldRoot
	*oldRootRef = newRoot
}

// insert places mem into the tree. mem's length is taken as its size; it
// must not already be present in the tree (inserting the same backing
// array twice is a caller bug, per spec §4.A "Failure semantics").
func (t *tree) insert(mem []byte) {
	size := len(mem)
	node := newMtnode(mem)

	if t.root == nil {
		t.root = node
		return
	}

	var parents [maxTreeDepth]*mtnode
	depth := 0
	scan := t.root
	for {
		parents[depth] = scan

		if scan.size() == size {
			node.chain = scan.chain
			scan.chain = node
			return
		}

		if size < scan.size() {
			if scan.smaller == nil {
				scan.smaller = node
				break
			}
			scan = scan.smaller
		} else {
			if scan.larger == nil {
				scan.larger = node
				break
			}
			scan = scan.larger
		}

		depth++
		if depth >= maxTreeDepth {
			panic("pocore: memtree depth exceeded")
		}
	}

	node.makeRed()
	depth++
	t.fixupInsert(parents, depth, node)
}

func (t *tree) fixupInsert(parents [maxTreeDepth]*mtnode, depth int, node *mtnode) {
	for {
		parent := parentAt(parents, depth)
		if parent == nil || parent.isBlack() {
			return
		}

		gramps := grandparentAt(parents, depth)
		uncle := getUncle(parents, depth)

		if uncle != nil && uncle.isRed() {
			parent.makeBlack()
			uncle.makeBlack()
			gramps.makeRed()

			if gramps == t.root {
				gramps.makeBlack()
				return
			}

			node = gramps
			depth -= 2
			continue
		}

		// Uncle is black (or absent). Rotate into shape for case 5.
		var rotated *mtnode
		if node == parent.larger && parent == gramps.smaller {
			rotateLeft(node, &gramps.smaller)
			rotated = parent
		} else if node == parent.smaller && parent == gramps.larger {
			rotateRight(node, &gramps.larger)
			rotated = parent
		}
		if rotated != nil {
			parent = node
			node = rotated
		}

		parent.makeBlack()
		gramps.makeRed()

		ref := getReference(parents, depth-2, gramps, &t.root)
		if node == parent.smaller && parent == gramps.smaller {
			rotateRight(parent, ref)
		} else {
			rotateLeft(parent, ref)
		}
		return
	}
}

// fetch returns the smallest free span whose size is >= size, or nil if
// none exists. Spec §4.A.
func (t *tree) fetch(size int) []byte {
	if t.root == nil {
		return nil
	}

	var parents [maxTreeDepth]*mtnode
	depth := 0
	largerDepth := -1
	scan := t.root

	for {
		parents[depth] = scan

		if size <= scan.size() {
			largerDepth = depth
			if scan.smaller == nil {
				break
			}
			scan = scan.smaller
		} else {
			if scan.larger == nil {
				break
			}
			scan = scan.larger
		}
		depth++
	}

	if largerDepth == -1 {
		return nil
	}

	var target *mtnode
	if size <= scan.size() {
		target = scan
	} else {
		target = parents[largerDepth]
	}

	if target.chain != nil {
		result := target.chain
		target.chain = result.chain
		result.chain = nil
		return result.mem
	}

	return t.deleteNode(parents, depth, largerDepth, target, scan)
}

// deleteNode removes target from the tree (target has no chain members
// left) and rebalances, returning its backing memory.
func (t *tree) deleteNode(parents [maxTreeDepth]*mtnode, depth, largerDepth int, target, scan *mtnode) []byte {
	var child *mtnode
	var targetWasRed bool

	if target.smaller != nil && target.larger != nil {
		// TARGET has two children: swap payload (not color) with its
		// in-order predecessor SCAN, which has at most one child.
		targetColorBit := 0
		if target.isRed() {
			targetColorBit = 1
		}

		targetWasRed = scan.isRed()
		scan.sizeColor = scan.size() | targetColorBit

		*getReference(parents, largerDepth, target, &t.root) = scan

		if scan.smaller != nil {
			child = scan.smaller
		} else {
			child = scan.larger
		}

		if largerDepth == depth-1 {
			if target.smaller == scan {
				scan.smaller = child
				scan.larger = target.larger
			} else {
				scan.smaller = target.smaller
				scan.larger = child
			}
		} else {
			scan.smaller = target.smaller
			scan.larger = target.larger
			*getReference(parents, depth, scan, &t.root) = child
		}

		parents[largerDepth] = scan
	} else {
		targetWasRed = target.isRed()

		if target.smaller != nil {
			child = target.smaller
		} else {
			child = target.larger
		}

		if target != scan {
			depth = largerDepth
		}

		*getReference(parents, depth, target, &t.root) = child
	}

	parents[depth] = child
	target.makeBlack()

	if targetWasRed {
		return target.mem
	}
	if child != nil && child.isRed() {
		child.makeBlack()
		return target.mem
	}

	t.fixupDelete(parents, depth, child)
	return target.mem
}

func (t *tree) fixupDelete(parents [maxTreeDepth]*mtnode, depth int, child *mtnode) {
deleteCase1:
	if depth == 0 {
		return
	}

	parent := parentAt(parents, depth)
	var sibling *mtnode
	if parent.smaller == child {
		sibling = parent.larger
	} else {
		sibling = parent.smaller
	}

	if sibling.isRed() {
		var newSibling *mtnode

		parent.makeRed()
		sibling.makeBlack()

		ref := getReference(parents, depth-1, parent, &t.root)
		if parent.smaller == child {
			newSibling = sibling.smaller
			rotateLeft(sibling, ref)
		} else {
			newSibling = sibling.larger
			rotateRight(sibling, ref)
		}

		parents[depth-1] = sibling
		parents[depth] = parent
		depth++
		parents[depth] = child

		sibling = newSibling
		goto deleteCase4
	}

	if parent.isBlack() && sibling.isBlack() &&
		isBlackOrNil(sibling.smaller) && isBlackOrNil(sibling.larger) {
		sibling.makeRed()
		child = parent
		depth--
		goto deleteCase1
	}

deleteCase4:
	if parent.isRed() && sibling.isBlack() &&
		isBlackOrNil(sibling.smaller) && isBlackOrNil(sibling.larger) {
		sibling.makeRed()
		parent.makeBlack()
		return
	}

	{
		ref := getReference(parents, depth, sibling, &t.root)

		if parent.smaller == child && isBlackOrNil(sibling.larger) {
			newSibling := sibling.smaller
			sibling.makeRed()
			newSibling.makeBlack()
			rotateRight(newSibling, ref)
			sibling = newSibling
		} else if parent.larger == child && isBlackOrNil(sibling.smaller) {
			newSibling := sibling.larger
			sibling.makeRed()
			newSibling.makeBlack()
			rotateLeft(newSibling, ref)
			sibling = newSibling
		}
	}

	if parent.isBlack() {
		sibling.makeBlack()
	} else {
		sibling.makeRed()
		parent.makeBlack()
	}

	ref := getReference(parents, depth-1, parent, &t.root)
	if parent.smaller == child {
		sibling.larger.makeBlack()
		rotateLeft(sibling, ref)
	} else {
		sibling.smaller.makeBlack()
		rotateRight(sibling, ref)
	}
}

// depth validates red-black invariants recursively and returns the black
// depth of root (an empty tree is depth 1), for use by tests. Spec §4.A
// "Debug operations".
func (t *tree) depth() int { return nodeDepth(t.root) }

func nodeDepth(n *mtnode) int {
	if n == nil {
		return 1
	}

	if n.isRed() {
		if n.smaller == nil {
			if n.larger != nil {
				panic("pocore: memtree invariant violated (red leaf imbalance)")
			}
			return 1
		}
		if n.larger == nil {
			panic("pocore: memtree invariant violated (red node missing larger child)")
		}
		if !n.smaller.isBlack() || !n.larger.isBlack() {
			panic("pocore: memtree invariant violated (red node with red child)")
		}
		d := nodeDepth(n.smaller)
		if nodeDepth(n.larger) != d {
			panic("pocore: memtree invariant violated (unequal black depth)")
		}
		return d
	}

	if n.smaller == nil {
		if n.larger != nil && nodeDepth(n.larger) != 1 {
			panic("pocore: memtree invariant violated (unequal black depth)")
		}
		return 2
	}
	if n.larger == nil {
		if nodeDepth(n.smaller) != 1 {
			panic("pocore: memtree invariant violated (unequal black depth)")
		}
		return 2
	}
	d := nodeDepth(n.smaller)
	if nodeDepth(n.larger) != d {
		panic("pocore: memtree invariant violated (unequal black depth)")
	}
	return d + 1
}
