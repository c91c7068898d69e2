package btree

import (
	"encoding/binary"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
	"github.com/SimonWaldherr/minidb/internal/storage/pagefile"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
)

// minEntries is the minimum number of entries a non-root node must hold.
// Node capacity varies with key size, so underflow is judged by entry
// count rather than byte occupancy — a deliberate simplification over a
// fixed-size-record B-Tree.
const minEntries = 2

// Tree is a B+Tree index over a Pager, keyed by a single typed column and
// pointing at heap-file RIDs. Non-unique indexes keep duplicate keys sorted
// by their RID as a tie-breaker.
type Tree struct {
	pager   *pagefile.Pager
	root    page.ID
	keyType tuple.Type
	unique  bool
}

// Header payload layout, past the pager's own magic/version/free-list-root
// prefix (pagefile.HeaderPayloadOffset): root_page_id (u32 big-endian), then
// key_type (1 byte), per §6's `.idx` file format. It lets a tree be reopened
// from nothing but its pagefile: the root page id moves whenever the root
// splits or collapses, so it cannot simply be read once at Create time the
// way the heap file's schema can.
const (
	headerRootOff    = 0
	headerKeyTypeOff = 4
)

// Create allocates a new, empty B+Tree with a single leaf root page.
func Create(pager *pagefile.Pager, keyType tuple.Type, unique bool, txnID uint32) (*Tree, error) {
	id, buf := pager.AllocPage()
	initNode(buf, id, true, keyType)
	page.SetCRC(buf)
	if err := pager.WritePage(txnID, id, buf); err != nil {
		return nil, err
	}
	pager.UnpinPage(id)
	t := &Tree{pager: pager, root: id, keyType: keyType, unique: unique}
	if err := t.writeHeader(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open wraps an existing tree given its persisted root page id. Use
// OpenFromHeader when the caller does not itself track the root pointer.
func Open(pager *pagefile.Pager, root page.ID, keyType tuple.Type, unique bool) *Tree {
	return &Tree{pager: pager, root: root, keyType: keyType, unique: unique}
}

// OpenFromHeader reopens a tree by reading its root page id and key type
// back out of the index file's own header page, rather than requiring the
// caller to have kept them durable elsewhere (e.g. in the catalog).
func OpenFromHeader(pager *pagefile.Pager, unique bool) (*Tree, error) {
	hdr, err := pager.ReadHeaderPage()
	if err != nil {
		return nil, err
	}
	payload := hdr[pagefile.HeaderPayloadOffset:]
	root := page.ID(binary.BigEndian.Uint32(payload[headerRootOff:]))
	keyType := tuple.Type(payload[headerKeyTypeOff])
	return &Tree{pager: pager, root: root, keyType: keyType, unique: unique}, nil
}

// writeHeader persists the current root page id and key type to page 0.
// Called only when a mutation actually changes the root, since it bypasses
// the WAL and fsyncs the header page directly.
func (t *Tree) writeHeader() error {
	hdr, err := t.pager.ReadHeaderPage()
	if err != nil {
		return err
	}
	payload := hdr[pagefile.HeaderPayloadOffset:]
	binary.BigEndian.PutUint32(payload[headerRootOff:], uint32(t.root))
	payload[headerKeyTypeOff] = byte(t.keyType)
	return t.pager.WriteHeaderPage(hdr)
}

// Root returns the current root page id, as persisted in the index file's
// header page.
func (t *Tree) Root() page.ID { return t.root }

// Pager returns the underlying pager, needed by the engine to assemble the
// table map recovery replays against.
func (t *Tree) Pager() *pagefile.Pager { return t.pager }

// loadNode reads page id and returns a node wrapping a private copy of its
// bytes; the pager's pin is released immediately since all subsequent
// mutation happens off-pool until WritePage is called explicitly.
func (t *Tree) loadNode(id page.ID) (*node, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.pager.UnpinPage(id)
	return wrapNode(cp, t.keyType), nil
}

func (t *Tree) writeNode(txnID uint32, n *node) error {
	page.SetCRC(n.buf)
	return t.pager.WritePage(txnID, n.id(), n.buf)
}

// pathToLeaf walks from root to the leaf that would contain key, returning
// the ancestor page ids (root first) and the leaf id.
func (t *Tree) pathToLeaf(key tuple.Value) ([]page.ID, page.ID, error) {
	var ancestors []page.ID
	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, 0, err
		}
		if n.isLeaf() {
			return ancestors, id, nil
		}
		child, err := n.searchInternal(key)
		if err != nil {
			return nil, 0, err
		}
		ancestors = append(ancestors, id)
		id = child
	}
}

// Search returns every RID stored under key, in RID order.
func (t *Tree) Search(key tuple.Value) ([]rid.RID, error) {
	if key.Type != t.keyType {
		return nil, ErrKeyTypeMismatch
	}
	_, leafID, err := t.pathToLeaf(key)
	if err != nil {
		return nil, err
	}
	var out []rid.RID
	id := leafID
	for id != page.InvalidID {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, err
		}
		entries := n.entries()
		done := false
		for _, e := range entries {
			cmp, cerr := tuple.Compare(e.key, key)
			if cerr != nil {
				return nil, cerr
			}
			if cmp == tuple.Equal {
				out = append(out, e.rid)
			} else if cmp == tuple.Greater {
				done = true
				break
			}
		}
		if done || n.nextLeaf() == page.InvalidID {
			break
		}
		// A duplicate-key run may continue past a leaf boundary only if the
		// last entry on this leaf still equals key; otherwise stop.
		if len(entries) > 0 {
			cmp, _ := tuple.Compare(entries[len(entries)-1].key, key)
			if cmp != tuple.Equal {
				break
			}
		}
		id = n.nextLeaf()
	}
	return out, nil
}

// RangeScan invokes fn for every (key, rid) pair with start <= key <= end,
// in ascending (key, rid) order. A nil start scans from the first entry; a
// nil end scans to the last. Stops early if fn returns false.
func (t *Tree) RangeScan(start, end *tuple.Value, fn func(tuple.Value, rid.RID) bool) error {
	var leafID page.ID
	if start != nil {
		_, id, err := t.pathToLeaf(*start)
		if err != nil {
			return err
		}
		leafID = id
	} else {
		id, err := t.leftmostLeaf()
		if err != nil {
			return err
		}
		leafID = id
	}

	id := leafID
	for id != page.InvalidID {
		n, err := t.loadNode(id)
		if err != nil {
			return err
		}
		for _, e := range n.entries() {
			if start != nil {
				cmp, cerr := tuple.Compare(e.key, *start)
				if cerr != nil {
					return cerr
				}
				if cmp == tuple.Less {
					continue
				}
			}
			if end != nil {
				cmp, cerr := tuple.Compare(e.key, *end)
				if cerr != nil {
					return cerr
				}
				if cmp == tuple.Greater {
					return nil
				}
			}
			if !fn(e.key, e.rid) {
				return nil
			}
		}
		id = n.nextLeaf()
	}
	return nil
}

func (t *Tree) leftmostLeaf() (page.ID, error) {
	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return 0, err
		}
		if n.isLeaf() {
			return id, nil
		}
		entries := n.entries()
		if len(entries) > 0 {
			id = entries[0].child
		} else {
			id = n.rightChild()
		}
	}
}

// Insert adds (key, r) to the tree within txnID, splitting nodes as needed.
func (t *Tree) Insert(txnID uint32, key tuple.Value, r rid.RID) error {
	if key.Type != t.keyType {
		return ErrKeyTypeMismatch
	}
	path, leafID, err := t.pathToLeaf(key)
	if err != nil {
		return err
	}
	leaf, err := t.loadNode(leafID)
	if err != nil {
		return err
	}

	entries := leaf.entries()
	if t.unique {
		for _, e := range entries {
			cmp, cerr := tuple.Compare(e.key, key)
			if cerr != nil {
				return cerr
			}
			if cmp == tuple.Equal {
				return ErrDuplicateKey
			}
		}
	}
	pos, err := leaf.searchLeaf(key, r, true)
	if err != nil {
		return err
	}
	merged := make([]entry, 0, len(entries)+1)
	merged = append(merged, entries[:pos]...)
	merged = append(merged, entry{key: key, rid: r})
	merged = append(merged, entries[pos:]...)

	if err := leaf.rebuild(merged); err == nil {
		return t.writeNode(txnID, leaf)
	}

	oldRoot := t.root
	if err := t.splitLeafAndInsert(txnID, path, leafID, merged); err != nil {
		return err
	}
	if t.root != oldRoot {
		return t.writeHeader()
	}
	return nil
}

func (t *Tree) splitLeafAndInsert(txnID uint32, path []page.ID, leafID page.ID, merged []entry) error {
	mid := len(merged) / 2
	leftEntries := merged[:mid]
	rightEntries := merged[mid:]
	splitKey := rightEntries[0].key

	oldLeaf, err := t.loadNode(leafID)
	if err != nil {
		return err
	}
	oldNext := oldLeaf.nextLeaf()
	oldPrev := oldLeaf.prevLeaf()

	rightID, rightBuf := t.pager.AllocPage()
	right := initNode(rightBuf, rightID, true, t.keyType)

	left := initNode(append([]byte(nil), oldLeaf.buf...), leafID, true, t.keyType)
	for _, e := range leftEntries {
		if err := left.appendEntry(e); err != nil {
			return err
		}
	}
	for _, e := range rightEntries {
		if err := right.appendEntry(e); err != nil {
			return err
		}
	}
	left.setPrevLeaf(oldPrev)
	left.setNextLeaf(rightID)
	right.setPrevLeaf(leafID)
	right.setNextLeaf(oldNext)

	if err := t.writeNode(txnID, left); err != nil {
		return err
	}
	if err := t.writeNode(txnID, right); err != nil {
		return err
	}

	if oldNext != page.InvalidID {
		next, err := t.loadNode(oldNext)
		if err == nil {
			next.setPrevLeaf(rightID)
			if werr := t.writeNode(txnID, next); werr != nil {
				return werr
			}
		}
	}

	return t.insertIntoParent(txnID, path, leafID, splitKey, rightID)
}

// insertIntoParent attaches a new (splitKey, rightID) separator produced by
// a child split. If there is no parent, a new root is created.
func (t *Tree) insertIntoParent(txnID uint32, path []page.ID, leftID page.ID, splitKey tuple.Value, rightID page.ID) error {
	if len(path) == 0 {
		rootID, rootBuf := t.pager.AllocPage()
		root := initNode(rootBuf, rootID, false, t.keyType)
		if err := root.appendEntry(entry{key: splitKey, child: leftID}); err != nil {
			return err
		}
		root.setRightChild(rightID)
		if err := t.writeNode(txnID, root); err != nil {
			return err
		}
		t.root = rootID
		return nil
	}

	parentID := path[len(path)-1]
	parent, err := t.loadNode(parentID)
	if err != nil {
		return err
	}
	entries := parent.entries()

	// Replace the entry whose child is leftID (or RightChild) with two
	// entries: (splitKey -> leftID) inserted before it, and the original
	// pointer now reachable via rightID.
	merged := make([]entry, 0, len(entries)+1)
	inserted := false
	for i, e := range entries {
		if e.child == leftID {
			merged = append(merged, entry{key: splitKey, child: leftID})
			merged = append(merged, entry{key: e.key, child: rightID})
			inserted = true
			continue
		}
		_ = i
		merged = append(merged, e)
	}
	if !inserted {
		// leftID was the RightChild pointer.
		merged = append(merged, entry{key: splitKey, child: leftID})
	}

	fresh := initNode(append([]byte(nil), parent.buf...), parentID, false, t.keyType)
	for _, e := range merged {
		if err := fresh.appendEntry(e); err != nil {
			fresh = nil
			break
		}
	}
	if fresh != nil {
		if !inserted {
			fresh.setRightChild(rightID)
		} else {
			fresh.setRightChild(parent.rightChild())
		}
		return t.writeNode(txnID, fresh)
	}

	// Parent itself is full: split the internal node.
	return t.splitInternalAndInsert(txnID, path[:len(path)-1], parentID, merged, inserted, rightID)
}

func (t *Tree) splitInternalAndInsert(txnID uint32, ancestors []page.ID, parentID page.ID, merged []entry, rightReplaced bool, newRightChild page.ID) error {
	mid := len(merged) / 2
	pushUp := merged[mid]
	leftEntries := merged[:mid]
	rightEntries := merged[mid+1:]

	oldParent, err := t.loadNode(parentID)
	if err != nil {
		return err
	}
	oldRight := oldParent.rightChild()
	if !rightReplaced {
		oldRight = newRightChild
	}

	left := initNode(append([]byte(nil), oldParent.buf...), parentID, false, t.keyType)
	for _, e := range leftEntries {
		if err := left.appendEntry(e); err != nil {
			return err
		}
	}
	left.setRightChild(pushUp.child)

	newID, newBuf := t.pager.AllocPage()
	right := initNode(newBuf, newID, false, t.keyType)
	for _, e := range rightEntries {
		if err := right.appendEntry(e); err != nil {
			return err
		}
	}
	right.setRightChild(oldRight)

	if err := t.writeNode(txnID, left); err != nil {
		return err
	}
	if err := t.writeNode(txnID, right); err != nil {
		return err
	}

	return t.insertIntoParent(txnID, ancestors, parentID, pushUp.key, newID)
}

// Delete removes the (key, r) pair. Returns false if no such entry exists.
func (t *Tree) Delete(txnID uint32, key tuple.Value, r rid.RID) (bool, error) {
	if key.Type != t.keyType {
		return false, ErrKeyTypeMismatch
	}
	path, leafID, err := t.pathToLeaf(key)
	if err != nil {
		return false, err
	}
	leaf, err := t.loadNode(leafID)
	if err != nil {
		return false, err
	}
	entries := leaf.entries()
	idx := -1
	for i, e := range entries {
		cmp, cerr := tuple.Compare(e.key, key)
		if cerr != nil {
			return false, cerr
		}
		if cmp == tuple.Equal && e.rid == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	remaining := append(append([]entry{}, entries[:idx]...), entries[idx+1:]...)
	if err := leaf.rebuild(remaining); err != nil {
		return false, err
	}
	if err := t.writeNode(txnID, leaf); err != nil {
		return false, err
	}

	if len(path) > 0 && len(remaining) < minEntries {
		oldRoot := t.root
		if err := t.rebalance(txnID, path, leafID); err != nil {
			return false, err
		}
		if t.root != oldRoot {
			if err := t.writeHeader(); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// rebalance restores the minimum-fill invariant for nodeID by borrowing
// from a sibling or merging with one, recursing upward if a merge shrinks
// the parent below the threshold too.
func (t *Tree) rebalance(txnID uint32, ancestors []page.ID, nodeID page.ID) error {
	if len(ancestors) == 0 {
		return t.fixRoot(txnID)
	}
	parentID := ancestors[len(ancestors)-1]
	n, err := t.loadNode(nodeID)
	if err != nil {
		return err
	}
	if len(n.entries()) >= minEntries {
		return nil
	}

	parent, err := t.loadNode(parentID)
	if err != nil {
		return err
	}
	children := childList(parent)
	idx := -1
	for i, c := range children {
		if c == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrCorruptIndex
	}

	// Try borrowing from the right sibling first, then the left.
	if idx+1 < len(children) {
		right, err := t.loadNode(children[idx+1])
		if err != nil {
			return err
		}
		if len(right.entries()) > minEntries {
			return t.borrowFromRight(txnID, n, right, parent, idx)
		}
	}
	if idx > 0 {
		left, err := t.loadNode(children[idx-1])
		if err != nil {
			return err
		}
		if len(left.entries()) > minEntries {
			return t.borrowFromLeft(txnID, n, left, parent, idx)
		}
	}

	// No sibling can lend: merge.
	if idx+1 < len(children) {
		right, err := t.loadNode(children[idx+1])
		if err != nil {
			return err
		}
		if err := t.mergeNodes(txnID, n, right, parent, idx); err != nil {
			return err
		}
	} else {
		left, err := t.loadNode(children[idx-1])
		if err != nil {
			return err
		}
		if err := t.mergeNodes(txnID, left, n, parent, idx-1); err != nil {
			return err
		}
	}

	if len(parent.entries()) < minEntries {
		return t.rebalance(txnID, ancestors[:len(ancestors)-1], parentID)
	}
	return nil
}

// childList returns every child pointer of an internal node in order:
// entries[0].child, entries[1].child, ..., rightChild.
func childList(n *node) []page.ID {
	entries := n.entries()
	out := make([]page.ID, 0, len(entries)+1)
	for _, e := range entries {
		out = append(out, e.child)
	}
	out = append(out, n.rightChild())
	return out
}

func (t *Tree) borrowFromRight(txnID uint32, n, right, parent *node, idx int) error {
	rightEntries := right.entries()
	borrowed := rightEntries[0]

	if n.isLeaf() {
		nEntries := append(n.entries(), borrowed)
		if err := n.rebuild(nEntries); err != nil {
			return err
		}
		if err := right.rebuild(rightEntries[1:]); err != nil {
			return err
		}
		return t.updateSeparator(txnID, n, right, parent, idx, rightEntries[1].key)
	}

	// Internal borrow: pull parent separator down as n's new last entry
	// (child = n's old rightChild), then promote right's first separator
	// up to the parent; right's first child becomes n's new rightChild.
	sep := parent.entryAt(idx)
	nEntries := append(n.entries(), entry{key: sep.key, child: n.rightChild()})
	if err := n.rebuild(nEntries); err != nil {
		return err
	}
	n.setRightChild(borrowed.child)
	if err := right.rebuild(rightEntries[1:]); err != nil {
		return err
	}
	return t.updateSeparator(txnID, n, right, parent, idx, borrowed.key)
}

func (t *Tree) borrowFromLeft(txnID uint32, n, left, parent *node, idx int) error {
	leftEntries := left.entries()
	last := leftEntries[len(leftEntries)-1]

	if n.isLeaf() {
		nEntries := append([]entry{last}, n.entries()...)
		if err := n.rebuild(nEntries); err != nil {
			return err
		}
		if err := left.rebuild(leftEntries[:len(leftEntries)-1]); err != nil {
			return err
		}
		return t.updateSeparator(txnID, left, n, parent, idx-1, last.key)
	}

	sep := parent.entryAt(idx - 1)
	nEntries := append([]entry{{key: sep.key, child: left.rightChild()}}, n.entries()...)
	if err := n.rebuild(nEntries); err != nil {
		return err
	}
	if err := left.rebuild(leftEntries[:len(leftEntries)-1]); err != nil {
		return err
	}
	left.setRightChild(last.child)
	return t.updateSeparator(txnID, left, n, parent, idx-1, last.key)
}

// updateSeparator rewrites parent's entry at sepIdx to newKey and persists
// left, right and parent.
func (t *Tree) updateSeparator(txnID uint32, left, right, parent *node, sepIdx int, newKey tuple.Value) error {
	entries := parent.entries()
	entries[sepIdx] = entry{key: newKey, child: entries[sepIdx].child}
	if err := parent.rebuild(entries); err != nil {
		return err
	}
	if err := t.writeNode(txnID, left); err != nil {
		return err
	}
	if err := t.writeNode(txnID, right); err != nil {
		return err
	}
	return t.writeNode(txnID, parent)
}

// mergeNodes absorbs right into left, removing the separator at sepIdx
// from parent and freeing right's page.
func (t *Tree) mergeNodes(txnID uint32, left, right, parent *node, sepIdx int) error {
	var combined []entry
	if left.isLeaf() {
		combined = append(append([]entry{}, left.entries()...), right.entries()...)
		left.setNextLeaf(right.nextLeaf())
		if nn := right.nextLeaf(); nn != page.InvalidID {
			if sib, err := t.loadNode(nn); err == nil {
				sib.setPrevLeaf(left.id())
				if werr := t.writeNode(txnID, sib); werr != nil {
					return werr
				}
			}
		}
	} else {
		sep := parent.entryAt(sepIdx)
		combined = append(left.entries(), entry{key: sep.key, child: left.rightChild()})
		combined = append(combined, right.entries()...)
		left.setRightChild(right.rightChild())
	}
	if err := left.rebuild(combined); err != nil {
		return err
	}
	if err := t.writeNode(txnID, left); err != nil {
		return err
	}

	entries := parent.entries()
	remaining := append(append([]entry{}, entries[:sepIdx]...), entries[sepIdx+1:]...)
	// The pointer that led to right now leads to the merged left node.
	if sepIdx < len(remaining) {
		remaining[sepIdx].child = left.id()
	} else {
		parent.setRightChild(left.id())
	}
	if err := parent.rebuild(remaining); err != nil {
		return err
	}
	if err := t.writeNode(txnID, parent); err != nil {
		return err
	}
	t.pager.FreePage(right.id())
	return nil
}

// fixRoot collapses a root that has been emptied by a merge, promoting its
// sole remaining child to be the new root.
func (t *Tree) fixRoot(txnID uint32) error {
	root, err := t.loadNode(t.root)
	if err != nil {
		return err
	}
	if root.isLeaf() || len(root.entries()) > 0 {
		return nil
	}
	newRoot := root.rightChild()
	if newRoot == page.InvalidID {
		return nil
	}
	old := t.root
	t.root = newRoot
	t.pager.FreePage(old)
	return nil
}
