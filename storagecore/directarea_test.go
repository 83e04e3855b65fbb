package storagecore

import (
	"bytes"
	"errors"
	"testing"
)

func newTestDirectArea(t *testing.T) *DirectAreaFile {
	t.Helper()
	dir := t.TempDir()
	d, err := OpenDirectAreaFile(dir, "area.db", Config{Mounted: true}, nil)
	if err != nil {
		t.Fatalf("OpenDirectAreaFile: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDirectAreaPutGetExpunge(t *testing.T) {
	d := newTestDirectArea(t)
	tx := NewTransaction(1)

	pageID, areaID, err := d.Put(tx, 42, []byte("hello, direct area"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Flush(tx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, gotPage, gotArea, found, err := d.Get(42)
	if err != nil || !found {
		t.Fatalf("Get(42) = (_, _, _, %v, %v), want found", found, err)
	}
	if gotPage != pageID || gotArea != areaID {
		t.Fatalf("Get(42) pointer = (%d,%d), want (%d,%d)", gotPage, gotArea, pageID, areaID)
	}
	if !bytes.Equal(data, []byte("hello, direct area")) {
		t.Fatalf("Get(42) data = %q, want %q", data, "hello, direct area")
	}

	tx2 := NewTransaction(2)
	if err := d.Expunge(tx2, 42); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if err := d.Flush(tx2); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	_, _, _, found, err = d.Get(42)
	if err != nil {
		t.Fatalf("Get after expunge: %v", err)
	}
	if found {
		t.Fatal("Get after expunge still found row 42")
	}
}

func TestDirectAreaExpungeAbsentRow(t *testing.T) {
	d := newTestDirectArea(t)
	tx := NewTransaction(1)
	if err := d.Expunge(tx, 7); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("Expunge of absent row = %v, want ErrBadArgument", err)
	}
}

// TestDirectAreaManyRowsSpanPages forces more than one area-manage
// page's worth of blobs, checking that the façade keeps tracking the
// right (PageID, AreaID) for every row once it rolls over to a fresh
// page.
func TestDirectAreaManyRowsSpanPages(t *testing.T) {
	d := newTestDirectArea(t)
	tx := NewTransaction(1)

	const n = 400
	payloads := make(map[RowID][]byte, n)
	for i := RowID(0); i < n; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 50)
		payloads[i] = data
		if _, _, err := d.Put(tx, i, data); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := d.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i := RowID(0); i < n; i++ {
		data, _, _, found, err := d.Get(i)
		if err != nil || !found {
			t.Fatalf("get %d: found=%v err=%v", i, found, err)
		}
		if !bytes.Equal(data, payloads[i]) {
			t.Fatalf("get %d data mismatch", i)
		}
	}
}

// TestDirectAreaGetTopAreaIDSkipsFreed frees the highest-numbered area
// on a page and checks that GetTopAreaID walks past the tombstone to
// the highest live area instead of reporting the freed one.
func TestDirectAreaGetTopAreaIDSkipsFreed(t *testing.T) {
	d := newTestDirectArea(t)
	tx := NewTransaction(1)

	pageID, _, err := d.Put(tx, 1, []byte("first"))
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if _, _, err := d.Put(tx, 2, []byte("second")); err != nil {
		t.Fatalf("put 2: %v", err)
	}
	_, topArea, err := d.Put(tx, 3, []byte("third"))
	if err != nil {
		t.Fatalf("put 3: %v", err)
	}

	if err := d.Expunge(tx, 3); err != nil {
		t.Fatalf("expunge 3: %v", err)
	}

	page, err := d.areas.Attach(pageID, FixReadOnly, DirectAreaPage)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer d.areas.Detach(page)
	top, err := page.GetTopAreaID()
	if err != nil {
		t.Fatalf("GetTopAreaID: %v", err)
	}
	if top == topArea {
		t.Fatalf("GetTopAreaID = %d, the freed area", top)
	}
	if top != topArea-1 {
		t.Fatalf("GetTopAreaID = %d, want %d (highest live)", top, topArea-1)
	}

	if err := d.Expunge(tx, 1); err != nil {
		t.Fatalf("expunge 1: %v", err)
	}
	if err := d.Expunge(tx, 2); err != nil {
		t.Fatalf("expunge 2: %v", err)
	}
	top, err = page.GetTopAreaID()
	if err != nil {
		t.Fatalf("GetTopAreaID on emptied page: %v", err)
	}
	if top != NoArea {
		t.Fatalf("GetTopAreaID on emptied page = %d, want NoArea", top)
	}
}

func TestDirectAreaUpdate(t *testing.T) {
	d := newTestDirectArea(t)
	tx := NewTransaction(1)

	pageID, areaID, err := d.Put(tx, 8, []byte("original blob"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// shrinking fits in place: same pointer.
	gotPage, gotArea, err := d.Update(tx, 8, []byte("tiny"))
	if err != nil {
		t.Fatalf("shrinking update: %v", err)
	}
	if gotPage != pageID || gotArea != areaID {
		t.Fatalf("shrinking update moved the blob: (%d,%d) -> (%d,%d)", pageID, areaID, gotPage, gotArea)
	}
	data, _, _, found, err := d.Get(8)
	if err != nil || !found || !bytes.Equal(data, []byte("tiny")) {
		t.Fatalf("get after shrinking update = (%q, %v, %v)", data, found, err)
	}

	// growing reallocates; the index must follow the new pointer.
	big := bytes.Repeat([]byte{7}, 2000)
	gotPage, gotArea, err = d.Update(tx, 8, big)
	if err != nil {
		t.Fatalf("growing update: %v", err)
	}
	data, dataPage, dataArea, found, err := d.Get(8)
	if err != nil || !found || !bytes.Equal(data, big) {
		t.Fatalf("get after growing update: found=%v err=%v", found, err)
	}
	if dataPage != gotPage || dataArea != gotArea {
		t.Fatalf("index points at (%d,%d), Update returned (%d,%d)", dataPage, dataArea, gotPage, gotArea)
	}

	if _, _, err := d.Update(tx, 9, []byte("nope")); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("update of absent row = %v, want ErrBadArgument", err)
	}
}

// TestDirectAreaCompactionReclaimsFreedSpace fills a page, frees a
// middle blob and checks that the next Put of the same size lands on
// the same page again: the no-room path compacts the fragmented
// payload region before rolling over to a fresh page.
func TestDirectAreaCompactionReclaimsFreedSpace(t *testing.T) {
	d := newTestDirectArea(t)
	tx := NewTransaction(1)

	blob := func(b byte) []byte { return bytes.Repeat([]byte{b}, 1200) }
	firstPage, _, err := d.Put(tx, 1, blob(1))
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	for _, r := range []RowID{2, 3} {
		if pg, _, err := d.Put(tx, r, blob(byte(r))); err != nil || pg != firstPage {
			t.Fatalf("put %d = (page %d, %v), want page %d", r, pg, err, firstPage)
		}
	}

	if err := d.Expunge(tx, 2); err != nil {
		t.Fatalf("expunge 2: %v", err)
	}
	pg, _, err := d.Put(tx, 4, blob(4))
	if err != nil {
		t.Fatalf("put 4: %v", err)
	}
	if pg != firstPage {
		t.Fatalf("put 4 landed on page %d, want compaction to make room on %d", pg, firstPage)
	}

	for _, r := range []RowID{1, 3, 4} {
		data, _, _, found, err := d.Get(r)
		if err != nil || !found || !bytes.Equal(data, blob(byte(r))) {
			t.Fatalf("get %d after compaction: found=%v err=%v", r, found, err)
		}
	}
}
