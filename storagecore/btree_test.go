package storagecore

import (
	"errors"
	"testing"
)

func newTestBTree(t *testing.T) (*BTree, *Subfile) {
	t.Helper()
	dir := t.TempDir()
	s, err := CreateSubfile(dir, "index.db", Config{Mounted: true}, nil)
	if err != nil {
		t.Fatalf("CreateSubfile: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return OpenBTree(s), s
}

// TestBTreeInsertAndSplit drives the first root split: inserting
// keys 1..341 on a 4096-byte page (entrySize=12, maxCount=340) must
// split the single full leaf into a new root plus two leaves, and
// every inserted key must still resolve to the (pageID, areaID) it was
// given.
func TestBTreeInsertAndSplit(t *testing.T) {
	bt, s := newTestBTree(t)
	tx := NewTransaction(1)

	if bt.maxCount != 340 {
		t.Fatalf("maxCount = %d, want 340 for a 4096-byte page", bt.maxCount)
	}

	for k := uint32(1); k <= 341; k++ {
		if err := bt.Insert(tx, Entry{Key: k, PageID: PageID(k), AreaID: 0}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if err := s.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	count, err := bt.GetCount()
	if err != nil || count != 341 {
		t.Fatalf("GetCount() = (%d, %v), want (341, nil)", count, err)
	}

	for _, k := range []uint32{1, 170, 340, 341} {
		e, ok, err := bt.Get(k)
		if err != nil || !ok {
			t.Fatalf("get(%d) = (_, %v, %v), want found", k, ok, err)
		}
		if e.PageID != PageID(k) {
			t.Fatalf("get(%d).PageID = %d, want %d", k, e.PageID, k)
		}
	}

	// The leaf chain visits every key exactly once in ascending order.
	var keys []uint32
	if err := bt.GetAll(func(e Entry) { keys = append(keys, e.Key) }); err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(keys) != 341 {
		t.Fatalf("GetAll visited %d entries, want 341", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Fatalf("leaf chain out of order at index %d: %d <= %d", i, keys[i], keys[i-1])
		}
	}

	if err := bt.Verify(nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

// TestBTreeDuplicateKey checks that a second insert of an
// already-present key is rejected and the original mapping survives.
func TestBTreeDuplicateKey(t *testing.T) {
	bt, s := newTestBTree(t)
	tx := NewTransaction(1)

	if err := bt.Insert(tx, Entry{Key: 10, PageID: 1, AreaID: 0}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := bt.Insert(tx, Entry{Key: 10, PageID: 2, AreaID: 0})
	if !errors.Is(err, ErrUniquenessViolation) {
		t.Fatalf("second insert error = %v, want ErrUniquenessViolation", err)
	}
	if err := s.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	e, ok, err := bt.Get(10)
	if err != nil || !ok {
		t.Fatalf("get(10) = (_, %v, %v), want found", ok, err)
	}
	if e.PageID != 1 {
		t.Fatalf("get(10).PageID = %d, want 1", e.PageID)
	}
}

// TestBTreeExpungeMaintainsFillFloor drives enough inserts to force a
// multi-level tree, then expunges most of the keys back out, checking
// that non-root pages stay at or above the fill floor after every
// removal via Verify.
func TestBTreeExpungeMaintainsFillFloor(t *testing.T) {
	bt, s := newTestBTree(t)
	tx := NewTransaction(1)

	const n = 1000
	for k := uint32(0); k < n; k++ {
		if err := bt.Insert(tx, Entry{Key: k, PageID: PageID(k), AreaID: 0}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	for k := uint32(0); k < n; k += 2 {
		if err := bt.Expunge(tx, k); err != nil {
			t.Fatalf("expunge %d: %v", k, err)
		}
		if k%50 == 0 {
			if err := bt.Verify(nil); err != nil {
				t.Fatalf("Verify after expunging %d: %v", k, err)
			}
		}
	}
	if err := s.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := bt.Verify(nil); err != nil {
		t.Fatalf("final Verify: %v", err)
	}

	count, err := bt.GetCount()
	if err != nil {
		t.Fatalf("GetCount: %v", err)
	}
	if want := uint32(n / 2); count != want {
		t.Fatalf("GetCount() = %d, want %d", count, want)
	}
	for k := uint32(1); k < n; k += 2 {
		if _, ok, err := bt.Get(k); err != nil || !ok {
			t.Fatalf("odd key %d missing after expunging evens: ok=%v err=%v", k, ok, err)
		}
	}
	for k := uint32(0); k < n; k += 2 {
		if _, ok, _ := bt.Get(k); ok {
			t.Fatalf("even key %d still present after expunge", k)
		}
	}
}

func TestBTreeExpungeAbsentKey(t *testing.T) {
	bt, _ := newTestBTree(t)
	tx := NewTransaction(1)
	err := bt.Expunge(tx, 42)
	if !errors.Is(err, ErrBadArgument) {
		t.Fatalf("Expunge of absent key = %v, want ErrBadArgument", err)
	}
}

// TestBTreeGetNextLeafPageID exercises the iteration seed contract:
// 0 seeds from the leftmost leaf, Undefined signals exhaustion.
func TestBTreeGetNextLeafPageID(t *testing.T) {
	bt, s := newTestBTree(t)
	tx := NewTransaction(1)
	for k := uint32(0); k < 500; k++ {
		if err := bt.Insert(tx, Entry{Key: k, PageID: PageID(k)}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if err := s.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	seen := map[PageID]bool{}
	leaf, err := bt.GetNextLeafPageID(0)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	count := 0
	for leaf != Undefined {
		if seen[leaf] {
			t.Fatalf("leaf %d visited twice", leaf)
		}
		seen[leaf] = true
		count++
		leaf, err = bt.GetNextLeafPageID(leaf)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if count > 1000 {
			t.Fatal("leaf chain did not terminate")
		}
	}
	if count == 0 {
		t.Fatal("expected at least one leaf")
	}
}

// TestBTreeExpandRedistributes drives expand directly (bypassing
// descend/Insert) against a full right leaf whose left neighbour has
// well over 10% free capacity, taking the preferred branch: the
// two pages rebalance to within one entry of each other and no third
// page is allocated.
func TestBTreeExpandRedistributes(t *testing.T) {
	bt, s := newTestBTree(t)
	hdr, err := s.Attach(0, FixWrite, NonManagePage)
	if err != nil {
		t.Fatalf("attach header: %v", err)
	}
	hbuf := hdr.Content().Bytes()

	left, err := s.AllocatePage(NonManagePage)
	if err != nil {
		t.Fatalf("allocate left: %v", err)
	}
	lbuf := left.Content().Bytes()
	const leftCount = 300 // 40/340 free (~12%), above the 10% threshold
	for i := 0; i < leftCount; i++ {
		nodeSetEntry(lbuf, i, Entry{Key: uint32(i), PageID: PageID(i)})
	}
	nodeSetCount(lbuf, leftCount, true)

	right, err := s.AllocatePage(NonManagePage)
	if err != nil {
		t.Fatalf("allocate right: %v", err)
	}
	rbuf := right.Content().Bytes()
	for i := 0; i < bt.maxCount; i++ {
		nodeSetEntry(rbuf, i, Entry{Key: uint32(1000 + i), PageID: PageID(1000 + i)})
	}
	nodeSetCount(rbuf, bt.maxCount, true)

	nodeSetPrev(lbuf, Undefined)
	nodeSetNext(lbuf, right.ID())
	nodeSetPrev(rbuf, left.ID())
	nodeSetNext(rbuf, Undefined)
	left.MarkDirty()
	right.MarkDirty()

	parent, err := s.AllocatePage(NonManagePage)
	if err != nil {
		t.Fatalf("allocate parent: %v", err)
	}
	pbuf := parent.Content().Bytes()
	nodeSetPrev(pbuf, Undefined)
	nodeSetNext(pbuf, Undefined)
	nodeSetEntry(pbuf, 0, Entry{Key: 0, PageID: left.ID()})
	nodeSetEntry(pbuf, 1, Entry{Key: 1000, PageID: right.ID()})
	nodeSetCount(pbuf, 2, false)
	parent.MarkDirty()

	headerSetRoot(hbuf, parent.ID())
	headerSetLeft(hbuf, left.ID())
	headerSetRight(hbuf, right.ID())
	hdr.MarkDirty()

	stack := []PageID{parent.ID()}
	newKey := uint32(1000 + bt.maxCount)
	target, newStack, err := bt.expand(hdr, hbuf, stack, right.ID(), right, rbuf, newKey)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(newStack) != 1 || newStack[0] != parent.ID() {
		t.Fatalf("ancestor stack changed on a redistribute: %v", newStack)
	}
	if target != right.ID() {
		t.Fatalf("target = %d, want the right page (%d) for the highest key", target, right.ID())
	}
	if nodeNext(lbuf) != right.ID() || nodePrev(rbuf) != left.ID() {
		t.Fatal("redistribute should not splice in a third page")
	}

	lc, rc := nodeCount(lbuf), nodeCount(rbuf)
	if lc+rc != leftCount+bt.maxCount {
		t.Fatalf("entries lost: left=%d right=%d, want total %d", lc, rc, leftCount+bt.maxCount)
	}
	if lc < bt.maxCount/2 || rc < bt.maxCount/2 {
		t.Fatalf("redistribute left a page below the fill floor: left=%d right=%d", lc, rc)
	}
	if diff := lc - rc; diff > 1 || diff < -1 {
		t.Fatalf("redistribute did not balance within one entry: left=%d right=%d", lc, rc)
	}
	if nodeCount(pbuf) != 2 {
		t.Fatalf("parent entry count changed on a redistribute: %d", nodeCount(pbuf))
	}
}

// TestBTreeExpandSplitsWhenNeighborIsAlsoFull drives expand against a
// full right leaf whose left neighbour has less than 10% free capacity,
// exercising the fallback branch: a new page is spliced in between the
// two and all three end up within the fill floor.
func TestBTreeExpandSplitsWhenNeighborIsAlsoFull(t *testing.T) {
	bt, s := newTestBTree(t)
	hdr, err := s.Attach(0, FixWrite, NonManagePage)
	if err != nil {
		t.Fatalf("attach header: %v", err)
	}
	hbuf := hdr.Content().Bytes()

	left, err := s.AllocatePage(NonManagePage)
	if err != nil {
		t.Fatalf("allocate left: %v", err)
	}
	lbuf := left.Content().Bytes()
	leftCount := bt.maxCount - bt.maxCount/20 // < 10% free
	for i := 0; i < leftCount; i++ {
		nodeSetEntry(lbuf, i, Entry{Key: uint32(i), PageID: PageID(i)})
	}
	nodeSetCount(lbuf, leftCount, true)

	right, err := s.AllocatePage(NonManagePage)
	if err != nil {
		t.Fatalf("allocate right: %v", err)
	}
	rbuf := right.Content().Bytes()
	for i := 0; i < bt.maxCount; i++ {
		nodeSetEntry(rbuf, i, Entry{Key: uint32(1000 + i), PageID: PageID(1000 + i)})
	}
	nodeSetCount(rbuf, bt.maxCount, true)

	nodeSetPrev(lbuf, Undefined)
	nodeSetNext(lbuf, right.ID())
	nodeSetPrev(rbuf, left.ID())
	nodeSetNext(rbuf, Undefined)
	left.MarkDirty()
	right.MarkDirty()

	parent, err := s.AllocatePage(NonManagePage)
	if err != nil {
		t.Fatalf("allocate parent: %v", err)
	}
	pbuf := parent.Content().Bytes()
	nodeSetPrev(pbuf, Undefined)
	nodeSetNext(pbuf, Undefined)
	nodeSetEntry(pbuf, 0, Entry{Key: 0, PageID: left.ID()})
	nodeSetEntry(pbuf, 1, Entry{Key: 1000, PageID: right.ID()})
	nodeSetCount(pbuf, 2, false)
	parent.MarkDirty()

	headerSetRoot(hbuf, parent.ID())
	headerSetLeft(hbuf, left.ID())
	headerSetRight(hbuf, right.ID())
	hdr.MarkDirty()

	stack := []PageID{parent.ID()}
	newKey := uint32(1000 + bt.maxCount)
	target, newStack, err := bt.expand(hdr, hbuf, stack, right.ID(), right, rbuf, newKey)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(newStack) != 1 || newStack[0] != parent.ID() {
		t.Fatalf("ancestor stack changed unexpectedly: %v", newStack)
	}
	if target != right.ID() {
		t.Fatalf("target = %d, want the right page (%d) for the highest key", target, right.ID())
	}

	midID := nodeNext(lbuf)
	if midID == right.ID() || midID == Undefined {
		t.Fatal("split should splice a new page in between the neighbours")
	}
	mid, err := s.Attach(midID, FixReadOnly, NonManagePage)
	if err != nil {
		t.Fatalf("attach mid: %v", err)
	}
	defer s.Detach(mid)
	mbuf := mid.Content().Bytes()
	if nodePrev(mbuf) != left.ID() || nodeNext(mbuf) != right.ID() {
		t.Fatalf("mid page not linked between left and right: prev=%d next=%d", nodePrev(mbuf), nodeNext(mbuf))
	}
	if nodePrev(rbuf) != midID {
		t.Fatalf("right.prev = %d, want mid page %d", nodePrev(rbuf), midID)
	}

	lc, mc, rc := nodeCount(lbuf), nodeCount(mbuf), nodeCount(rbuf)
	if lc+mc+rc != leftCount+bt.maxCount {
		t.Fatalf("entries lost across split: left=%d mid=%d right=%d, want total %d", lc, mc, rc, leftCount+bt.maxCount)
	}
	for name, c := range map[string]int{"left": lc, "mid": mc, "right": rc} {
		if c < bt.maxCount/2 {
			t.Fatalf("%s page below the fill floor after split: %d < %d", name, c, bt.maxCount/2)
		}
	}
	if nodeCount(pbuf) != 3 {
		t.Fatalf("parent should have gained a separator for the new mid page: %d entries, want 3", nodeCount(pbuf))
	}
}

// TestBTreeRoundTripAfterFlush checks the round-trip property:
// reopening after Flush yields identical Get results.
func TestBTreeRoundTripAfterFlush(t *testing.T) {
	dir := t.TempDir()
	s1, err := CreateSubfile(dir, "index.db", Config{Mounted: true}, nil)
	if err != nil {
		t.Fatalf("CreateSubfile: %v", err)
	}
	bt1 := OpenBTree(s1)
	tx := NewTransaction(1)
	for k := uint32(0); k < 600; k++ {
		if err := bt1.Insert(tx, Entry{Key: k, PageID: PageID(k * 2), AreaID: AreaID(k)}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if err := s1.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := CreateSubfile(dir, "index.db", Config{Mounted: true}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	bt2 := OpenBTree(s2)
	for k := uint32(0); k < 600; k++ {
		e, ok, err := bt2.Get(k)
		if err != nil || !ok {
			t.Fatalf("reopened get(%d) = (_, %v, %v)", k, ok, err)
		}
		if e.PageID != PageID(k*2) || e.AreaID != AreaID(k) {
			t.Fatalf("reopened get(%d) = %+v, want pageID=%d areaID=%d", k, e, k*2, k)
		}
	}
}

// TestBTreeEmptyTreeReads checks the read surface of a tree no insert
// has ever touched: a freshly created subfile's zero-filled header must
// read as "no tree", not as a pointer at page 0.
func TestBTreeEmptyTreeReads(t *testing.T) {
	bt, _ := newTestBTree(t)

	if _, ok, err := bt.Get(1); err != nil || ok {
		t.Fatalf("Get on empty tree = (_, %v, %v), want (false, nil)", ok, err)
	}
	count, err := bt.GetCount()
	if err != nil || count != 0 {
		t.Fatalf("GetCount on empty tree = (%d, %v), want (0, nil)", count, err)
	}
	visited := 0
	if err := bt.GetAll(func(Entry) { visited++ }); err != nil || visited != 0 {
		t.Fatalf("GetAll on empty tree visited %d entries (err=%v), want 0", visited, err)
	}
	seed, err := bt.GetNextLeafPageID(0)
	if err != nil || seed != Undefined {
		t.Fatalf("GetNextLeafPageID(0) on empty tree = (%d, %v), want Undefined", seed, err)
	}
	if err := bt.Verify(nil); err != nil {
		t.Fatalf("Verify on empty tree: %v", err)
	}
}

// TestBTreeAscendingExpunge empties the tree front to back, which
// repeatedly shrinks the leftmost leaf until it merges into its right
// neighbour: the survivor's separator and the header's leftPageID must
// both follow, or the merged keys fall out of reach.
func TestBTreeAscendingExpunge(t *testing.T) {
	bt, s := newTestBTree(t)
	tx := NewTransaction(1)

	const n = 1200
	for k := uint32(0); k < n; k++ {
		if err := bt.Insert(tx, Entry{Key: k, PageID: PageID(k), AreaID: 0}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	for k := uint32(0); k < n-1; k++ {
		if err := bt.Expunge(tx, k); err != nil {
			t.Fatalf("expunge %d: %v", k, err)
		}
		if e, ok, err := bt.Get(k + 1); err != nil || !ok || e.PageID != PageID(k+1) {
			t.Fatalf("get(%d) after expunging %d = (%+v, %v, %v)", k+1, k, e, ok, err)
		}
		if k%100 == 0 {
			if err := bt.Verify(nil); err != nil {
				t.Fatalf("Verify after expunging %d: %v", k, err)
			}
		}
	}
	if err := s.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	count, err := bt.GetCount()
	if err != nil || count != 1 {
		t.Fatalf("GetCount() = (%d, %v), want (1, nil)", count, err)
	}
	var keys []uint32
	if err := bt.GetAll(func(e Entry) { keys = append(keys, e.Key) }); err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(keys) != 1 || keys[0] != n-1 {
		t.Fatalf("GetAll after draining = %v, want [%d]", keys, n-1)
	}
}
