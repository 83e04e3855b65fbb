package storagecore

// reduce restores the fill floor on page after an expunge left it
// under maxCount/2: the left sibling (right if page is its parent's
// first child) absorbs it when the combined entries fit one page,
// otherwise the two redistribute 50/50. Siblings come from the parent's
// entry array, same as expand — rebalancing with a chain neighbour
// under a different parent would strand that parent's separator keys.
// Only one level of the ancestor chain is adjusted; a parent that
// itself drops to a single entry as a result is tolerated (descent
// through it still works) rather than cascaded here.
//
// The returned bool reports whether page was merged away and freed:
// the caller must not Detach a freed page, since Detach of a dirty
// page would re-add it to the pending update set FreePage just
// cleared.
func (t *BTree) reduce(hdr *Page, hbuf []byte, stack []PageID, page *Page, pbuf []byte) (bool, error) {
	sibID, sibOnLeft, ok, err := t.siblingOf(stack, page.ID())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil // page is its parent's only child
	}
	sib, err := t.s.Attach(sibID, FixWrite, NonManagePage)
	if err != nil {
		return false, err
	}
	sbuf := sib.Content().Bytes()

	if nodeCount(pbuf)+nodeCount(sbuf) <= t.maxCount {
		wasRight := page.ID() == headerRight(hbuf)
		wasLeft := page.ID() == headerLeft(hbuf)
		if sibOnLeft {
			t.fixFarNeighbor(nodeNext(pbuf), page.ID(), sibID, false)
			mergeIntoSurvivor(sib, sbuf, true, page, pbuf)
		} else {
			t.fixFarNeighbor(nodePrev(pbuf), page.ID(), sibID, true)
			mergeIntoSurvivor(sib, sbuf, false, page, pbuf)
		}
		if err := t.removeChildFromParent(hdr, hbuf, stack, page.ID()); err != nil {
			t.s.Detach(sib)
			return false, err
		}
		// A right-side survivor's key range now starts at the victim's
		// old first key; its separator in the parent must follow or the
		// prepended entries become unreachable through descent. Skipped
		// when a root collapse just promoted the survivor.
		if !sibOnLeft && headerRoot(hbuf) != sibID && nodeCount(sbuf) > 0 {
			if err := t.propagateFirstKey(stack, sibID, nodeEntry(sbuf, 0).Key); err != nil {
				t.s.Detach(sib)
				return false, err
			}
		}
		t.s.FreePage(page)
		if wasRight {
			headerSetRight(hbuf, sibID)
		}
		if wasLeft {
			headerSetLeft(hbuf, sibID)
		}
		t.s.Detach(sib)
		return true, nil
	}

	if sibOnLeft {
		redistribute(sbuf, pbuf)
		sib.MarkDirty()
		page.MarkDirty()
		err = t.propagateFirstKey(stack, page.ID(), nodeEntry(pbuf, 0).Key)
	} else {
		redistribute(pbuf, sbuf)
		page.MarkDirty()
		sib.MarkDirty()
		err = t.propagateFirstKey(stack, sibID, nodeEntry(sbuf, 0).Key)
	}
	t.s.Detach(sib)
	return false, err
}

// mergeIntoSurvivor folds victim's entries into survivor, which keeps
// its own PageID; victim is left logically empty (the caller frees
// it). survivorIsLeft says whether survivor sits to victim's left in
// key order (so victim's entries are appended) or its right (so
// they're prepended).
func mergeIntoSurvivor(survivor *Page, sbuf []byte, survivorIsLeft bool, victim *Page, vbuf []byte) {
	sc := nodeCount(sbuf)
	vc := nodeCount(vbuf)
	leaf := nodeIsLeaf(sbuf)
	if survivorIsLeft {
		for i := 0; i < vc; i++ {
			nodeSetEntry(sbuf, sc+i, nodeEntry(vbuf, i))
		}
		nodeSetCount(sbuf, sc+vc, leaf)
		nodeSetNext(sbuf, nodeNext(vbuf))
	} else {
		for i := sc - 1; i >= 0; i-- {
			nodeSetEntry(sbuf, i+vc, nodeEntry(sbuf, i))
		}
		for i := 0; i < vc; i++ {
			nodeSetEntry(sbuf, i, nodeEntry(vbuf, i))
		}
		nodeSetCount(sbuf, sc+vc, leaf)
		nodeSetPrev(sbuf, nodePrev(vbuf))
	}
	survivor.MarkDirty()
}

// fixFarNeighbor repairs whichever pointer on the page just outside a
// merged pair still references the victim, redirecting it to the
// survivor instead. farSide is that page's PageID (Undefined if there
// is none). pointingBack is true when farSide sits on the victim's
// left (so it's farSide.next that needs fixing) and false when it
// sits on the victim's right (farSide.prev).
func (t *BTree) fixFarNeighbor(farSide, victimID, survivorID PageID, pointingBack bool) {
	if farSide == Undefined {
		return
	}
	fp, err := t.s.Attach(farSide, FixWrite, NonManagePage)
	if err != nil {
		return
	}
	fbuf := fp.Content().Bytes()
	if pointingBack {
		if nodeNext(fbuf) == victimID {
			nodeSetNext(fbuf, survivorID)
			fp.MarkDirty()
		}
	} else {
		if nodePrev(fbuf) == victimID {
			nodeSetPrev(fbuf, survivorID)
			fp.MarkDirty()
		}
		if nodeNext(fbuf) == victimID {
			nodeSetNext(fbuf, survivorID)
			fp.MarkDirty()
		}
	}
	t.s.Detach(fp)
}

// redistribute rebalances left and right to (count(left)+count(right))/2
// entries each by moving entries across the boundary, preserving sort
// order on both sides.
func redistribute(leftBuf, rightBuf []byte) {
	lc := nodeCount(leftBuf)
	rc := nodeCount(rightBuf)
	leaf := nodeIsLeaf(leftBuf)
	total := lc + rc
	target := total / 2

	all := make([]Entry, 0, total)
	for i := 0; i < lc; i++ {
		all = append(all, nodeEntry(leftBuf, i))
	}
	for i := 0; i < rc; i++ {
		all = append(all, nodeEntry(rightBuf, i))
	}
	for i, e := range all[:target] {
		nodeSetEntry(leftBuf, i, e)
	}
	nodeSetCount(leftBuf, target, leaf)
	for i, e := range all[target:] {
		nodeSetEntry(rightBuf, i, e)
	}
	nodeSetCount(rightBuf, total-target, leaf)
}

// removeChildFromParent deletes the separator entry pointing at
// victimID from its immediate parent, collapsing the root if that
// leaves an internal root with a single child.
func (t *BTree) removeChildFromParent(hdr *Page, hbuf []byte, stack []PageID, victimID PageID) error {
	if len(stack) == 0 {
		return nil
	}
	parentID := stack[len(stack)-1]
	parent, err := t.s.Attach(parentID, FixWrite, NonManagePage)
	if err != nil {
		return err
	}
	pbuf := parent.Content().Bytes()
	count := nodeCount(pbuf)
	idx := parentFindChildIndex(pbuf, victimID)
	if idx < 0 {
		t.s.Detach(parent)
		return nil
	}
	nodeRemoveAt(pbuf, count, idx)
	count--
	nodeSetCount(pbuf, count, false)
	parent.MarkDirty()

	if parentID == headerRoot(hbuf) && count == 1 {
		onlyChild := nodeEntry(pbuf, 0).PageID
		headerSetRoot(hbuf, onlyChild)
		t.s.Detach(parent)
		t.s.FreePage(parent)
		return nil
	}
	t.s.Detach(parent)
	return nil
}
