package storagecore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
)

// DirectAreaFile is the ROWID-addressable façade over the area-manage
// page type. Callers address blobs by RowID — Put/Get/Expunge take
// and return one — and get back the (PageID, AreaID) pair as a
// durable pointer; the sidecar BTree (rooted at a "Btree/" sub-path
// beneath this file's own directory) does the ROWID → (PageID,
// AreaID) lookup.
type DirectAreaFile struct {
	areas *Subfile
	index *BTree
	idxS  *Subfile
}

// directAreaHeaderOffset is where, within page 0's own Content (after
// the Subfile's master-page bytes are already stripped), this file
// keeps the PageID of the area-manage page new Puts should try first.
// 0 means "none yet, allocate on first use."
const directAreaHeaderOffset = 0

// OpenDirectAreaFile creates/opens the two Subfiles a direct-area file
// is built from: one holding DirectAreaPage blobs, and one (under a
// "Btree/" sub-directory) holding the sidecar RowID index.
func OpenDirectAreaFile(dir, name string, cfg Config, sink AvailabilitySink) (*DirectAreaFile, error) {
	areas, err := CreateSubfile(dir, name, cfg, sink)
	if err != nil {
		return nil, err
	}
	idxDir := filepath.Join(dir, "Btree")
	idxS, err := CreateSubfile(idxDir, name, cfg, sink)
	if err != nil {
		areas.Close()
		return nil, err
	}
	return &DirectAreaFile{areas: areas, index: OpenBTree(idxS), idxS: idxS}, nil
}

func (d *DirectAreaFile) currentPage() (PageID, error) {
	hdr, err := d.areas.Attach(0, FixReadOnly, NonManagePage)
	if err != nil {
		return Undefined, err
	}
	defer d.areas.Detach(hdr)
	buf := hdr.Content().Bytes()
	if len(buf) < 4 {
		return Undefined, nil
	}
	id := PageID(binary.LittleEndian.Uint32(buf[directAreaHeaderOffset:]))
	if id == 0 {
		return Undefined, nil
	}
	return id, nil
}

func (d *DirectAreaFile) setCurrentPage(id PageID) error {
	hdr, err := d.areas.Attach(0, FixWrite, NonManagePage)
	if err != nil {
		return err
	}
	buf := hdr.Content().Bytes()
	binary.LittleEndian.PutUint32(buf[directAreaHeaderOffset:], uint32(id))
	hdr.MarkDirty()
	d.areas.Detach(hdr)
	return nil
}

// Put stores data as a new area, indexing it under row, and returns
// the (PageID, AreaID) durable pointer. Putting an already-present row
// is a caller error — use Expunge then Put, matching the B-tree file's
// own uniqueness contract.
func (d *DirectAreaFile) Put(tx *Transaction, row RowID, data []byte) (PageID, AreaID, error) {
	if tx.Cancelled() {
		return Undefined, NoArea, ErrCancel
	}
	pageID, err := d.currentPage()
	if err != nil {
		return Undefined, NoArea, err
	}
	var page *Page
	if pageID != Undefined {
		page, err = d.areas.Attach(pageID, FixWrite, DirectAreaPage)
		if err != nil {
			return Undefined, NoArea, err
		}
	}
	if page != nil && pageHasNoRoom(page, data) && page.liveCountField() < page.topAreaIDField() {
		// freed areas leave holes in the payload region; repack before
		// giving up on the page.
		if err := page.Compaction(); err != nil {
			d.areas.Detach(page)
			return Undefined, NoArea, err
		}
	}
	if page == nil || pageHasNoRoom(page, data) {
		if page != nil {
			d.areas.Detach(page)
		}
		page, err = d.areas.AllocatePage(DirectAreaPage)
		if err != nil {
			return Undefined, NoArea, err
		}
		page.initAreaManagePage()
		if err := d.setCurrentPage(page.ID()); err != nil {
			d.areas.Detach(page)
			return Undefined, NoArea, err
		}
	}
	areaID, err := page.AllocateArea(data)
	if err != nil {
		d.areas.Detach(page)
		return Undefined, NoArea, err
	}
	pid := page.ID()
	d.areas.Detach(page)

	if err := d.index.Insert(tx, Entry{Key: uint32(row), PageID: pid, AreaID: areaID}); err != nil {
		return Undefined, NoArea, err
	}
	return pid, areaID, nil
}

// pageHasNoRoom conservatively checks whether page's free space can't
// possibly fit data plus one more directory entry, without touching
// the page (a real AllocateArea attempt would mutate on success), so
// Put can decide on a fresh page before allocating anything.
func pageHasNoRoom(page *Page, data []byte) bool {
	top := page.topAreaIDField()
	dirEnd := areaManageHeaderSize + int(top)*areaDirEntrySize
	tail := int(page.tailOffsetField())
	return tail-dirEnd-areaDirEntrySize < len(data)
}

// Get resolves row to the (PageID, AreaID) pointer stored for it and
// reads its current bytes. found is false if row has never been Put
// or was Expunged.
func (d *DirectAreaFile) Get(row RowID) (data []byte, pageID PageID, areaID AreaID, found bool, err error) {
	e, ok, err := d.index.Get(uint32(row))
	if err != nil || !ok {
		return nil, Undefined, NoArea, false, err
	}
	page, err := d.areas.Attach(e.PageID, FixReadOnly, DirectAreaPage)
	if err != nil {
		return nil, Undefined, NoArea, false, err
	}
	defer d.areas.Detach(page)
	raw, err := page.ReadArea(e.AreaID)
	if err != nil {
		return nil, Undefined, NoArea, false, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, e.PageID, e.AreaID, true, nil
}

// Update replaces row's blob in place. A payload that still fits the
// area's current capacity is overwritten where it sits; a larger one
// is reallocated on the same page when there is room, falling back to
// a fresh Put elsewhere when there isn't. The returned pointer is the
// blob's current location, which only changes on reallocation.
func (d *DirectAreaFile) Update(tx *Transaction, row RowID, data []byte) (PageID, AreaID, error) {
	if tx.Cancelled() {
		return Undefined, NoArea, ErrCancel
	}
	e, ok, err := d.index.Get(uint32(row))
	if err != nil {
		return Undefined, NoArea, err
	}
	if !ok {
		return Undefined, NoArea, fmt.Errorf("%w: row %d not present", ErrBadArgument, row)
	}
	page, err := d.areas.Attach(e.PageID, FixWrite, DirectAreaPage)
	if err != nil {
		return Undefined, NoArea, err
	}
	_, length := page.getDirEntry(e.AreaID)
	if len(data) <= int(length) {
		err := page.WriteArea(e.AreaID, data)
		d.areas.Detach(page)
		if err != nil {
			return Undefined, NoArea, err
		}
		return e.PageID, e.AreaID, nil
	}

	newID, err := page.ReuseArea(e.AreaID, data)
	d.areas.Detach(page)
	if err != nil {
		// the old area is already freed; place the blob wherever Put
		// finds room and re-point the index at it.
		if err := d.index.Expunge(tx, uint32(row)); err != nil {
			return Undefined, NoArea, err
		}
		return d.Put(tx, row, data)
	}
	if newID != e.AreaID {
		if err := d.index.Expunge(tx, uint32(row)); err != nil {
			return Undefined, NoArea, err
		}
		if err := d.index.Insert(tx, Entry{Key: uint32(row), PageID: e.PageID, AreaID: newID}); err != nil {
			return Undefined, NoArea, err
		}
	}
	return e.PageID, newID, nil
}

// Expunge releases row's area and removes it from the sidecar index.
func (d *DirectAreaFile) Expunge(tx *Transaction, row RowID) error {
	if tx.Cancelled() {
		return ErrCancel
	}
	e, ok, err := d.index.Get(uint32(row))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: row %d not present", ErrBadArgument, row)
	}
	page, err := d.areas.Attach(e.PageID, FixWrite, DirectAreaPage)
	if err != nil {
		return err
	}
	if err := page.FreeArea(e.AreaID); err != nil {
		d.areas.Detach(page)
		return err
	}
	d.areas.Detach(page)
	return d.index.Expunge(tx, uint32(row))
}

// Flush commits both the area-manage Subfile and the sidecar index
// Subfile for tx, in that order so a crash between the two leaves the
// index pointing only at areas that are already durable.
func (d *DirectAreaFile) Flush(tx *Transaction) error {
	if err := d.areas.Flush(tx); err != nil {
		return err
	}
	return d.idxS.Flush(tx)
}

// Recover rolls back both Subfiles' unflushed changes.
func (d *DirectAreaFile) Recover() error {
	if err := d.areas.Recover(); err != nil {
		return err
	}
	return d.idxS.Recover()
}

// Close releases both Subfiles' file handles.
func (d *DirectAreaFile) Close() error {
	if err := d.areas.Close(); err != nil {
		return err
	}
	return d.idxS.Close()
}
