package storagecore

import "encoding/binary"

// VectorFile is a fixed-width, RowID-indexed record store: the
// analogue of a relation's physical row heap when every row is the
// same width. Absent rows cost nothing beyond the management-page
// bitmap bit that marks them absent.
//
// Layout:
//
//	PageID 0            vector header, NonManagePage: {count:u32, maxPageID:u32}
//	PageID 1, k+1, 2k+1  management pages, PageManagePage: a pure presence
//	                     bitmap, k = 8*(pageSize-crcTrailerSize) bits, bit 0
//	                     unused (it would cover the management page itself)
//	everything else      data pages, NonManagePage: {count:u32, value0, value1, ...}
//
// Page IDs are allocated strictly in increasing order (1, 2, 3, ...)
// and never reused: a vector file never calls FreePage, so its
// dedicated Subfile's free list stays empty and AllocatePage always
// falls through to a sequential append. That determinism is what lets
// RowID arithmetic predict a data page's PageID without having to look
// anything up.
type VectorFile struct {
	s         *Subfile
	valueSize uint32

	// field layout within one record, for the projection API in
	// vector_fields.go. A file opened without an explicit layout is one
	// single field spanning the whole record.
	fieldSizes []uint32
	fieldOffs  []uint32
}

// OpenVectorFile wraps an already-mounted Subfile (created with
// valueSize as its logical record width) as a vector file whose
// records are one opaque field.
func OpenVectorFile(s *Subfile, valueSize uint32) *VectorFile {
	return OpenVectorFileWithFields(s, []uint32{valueSize})
}

// OpenVectorFileWithFields wraps a Subfile as a vector file whose
// fixed-width records are subdivided into len(fieldSizes) fields laid
// out back to back. The record width is the sum of the field sizes.
func OpenVectorFileWithFields(s *Subfile, fieldSizes []uint32) *VectorFile {
	sizes := append([]uint32(nil), fieldSizes...)
	offs := make([]uint32, len(sizes))
	total := uint32(0)
	for i, fs := range sizes {
		offs[i] = total
		total += fs
	}
	return &VectorFile{s: s, valueSize: total, fieldSizes: sizes, fieldOffs: offs}
}

const vectorHeaderSize = 8 // {count:u32, maxPageID:u32}

func (v *VectorFile) attachHeader(mode FixMode) (*Page, []byte, error) {
	p, err := v.s.Attach(0, mode, NonManagePage)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Content().Bytes(), nil
}

func vhCount(buf []byte) uint32        { return binary.LittleEndian.Uint32(buf[0:4]) }
func vhSetCount(buf []byte, n uint32)  { binary.LittleEndian.PutUint32(buf[0:4], n) }
func vhMaxPage(buf []byte) PageID      { return PageID(binary.LittleEndian.Uint32(buf[4:8])) }
func vhSetMaxPage(buf []byte, p PageID) { binary.LittleEndian.PutUint32(buf[4:8], uint32(p)) }

// entriesPerPage is how many fixed-width values fit a data page's
// {count:u32, values...} body.
func (v *VectorFile) entriesPerPage() int {
	body := int(v.s.pageSize) - crcTrailerSize - 4
	return body / int(v.valueSize)
}

// bitsPerMgmtPage is k above: the number of bits (including the unused
// bit 0) a management page's bitmap holds.
func (v *VectorFile) bitsPerMgmtPage() int {
	return (int(v.s.pageSize) - crcTrailerSize) * 8
}

// locate maps a RowID to its data page's PageID, the management page
// that tracks it, the bit position within that bitmap, and the slot
// within the data page.
func (v *VectorFile) locate(row RowID) (dataPage, mgmtPage PageID, bit, slot int) {
	epp := v.entriesPerPage()
	k := v.bitsPerMgmtPage()
	d := int(row) / epp
	slot = int(row) % epp
	group := d / (k - 1)
	withinGroup := d % (k - 1)
	mgmtPage = PageID(1 + group*k)
	dataPage = mgmtPage + 1 + PageID(withinGroup)
	bit = withinGroup + 1
	return
}

// ensureAllocated grows the file, in strict sequential PageID order,
// until dataPage (and the management page covering it) exist. Pages
// are allocated one at a time rather than jumped-to, so that every
// intervening management and data page is correctly initialized: a
// data page starts 0xFF-filled (every slot null) and a management page
// starts zeroed (every bit absent).
func (v *VectorFile) ensureAllocated(hbuf []byte, target PageID) error {
	k := v.bitsPerMgmtPage()
	for vhMaxPage(hbuf) < target {
		next := vhMaxPage(hbuf) + 1
		if next == 0 {
			next = 1
		}
		isMgmt := (uint32(next)-1)%uint32(k) == 0
		kind := NonManagePage
		if isMgmt {
			kind = PageManagePage
		}
		p, err := v.s.AllocatePage(kind)
		if err != nil {
			return err
		}
		if p.ID() != next {
			// Sequential allocation invariant broken — the Subfile's
			// free list must have handed back a retired page. Vector
			// files never free pages, so this would mean a bug
			// elsewhere in the free list rather than anything to
			// recover from here.
			panic("storagecore: vector file allocation is not sequential")
		}
		buf := p.Content().Bytes()
		if !isMgmt {
			for i := range buf {
				buf[i] = 0xFF
			}
			binary.LittleEndian.PutUint32(buf[0:4], 0)
		}
		p.MarkDirty()
		v.s.Detach(p)
		vhSetMaxPage(hbuf, next)
	}
	return nil
}

func dataOffset(slot int, valueSize uint32) int {
	return 4 + slot*int(valueSize)
}

func isNullValue(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}

// Insert stores value at row, allocating every page up to and
// including row's data page if the file hasn't reached that far yet.
// Overwriting an already-live row is allowed, matching Update.
func (v *VectorFile) Insert(tx *Transaction, row RowID, value []byte) error {
	return v.put(tx, row, value, true)
}

// Update overwrites an already-live row's value in place.
func (v *VectorFile) Update(tx *Transaction, row RowID, value []byte) error {
	return v.put(tx, row, value, false)
}

func (v *VectorFile) put(tx *Transaction, row RowID, value []byte, allowCreate bool) error {
	if tx.Cancelled() {
		return ErrCancel
	}
	if uint32(len(value)) != v.valueSize {
		return ErrBadArgument
	}
	hdr, hbuf, err := v.attachHeader(FixWrite)
	if err != nil {
		return err
	}
	defer v.s.Detach(hdr)

	dataPageID, mgmtPageID, bit, slot := v.locate(row)
	if !allowCreate && dataPageID > vhMaxPage(hbuf) {
		// an Update of a never-written row must not grow the file on
		// its way to failing.
		return ErrBadArgument
	}
	oldMax := vhMaxPage(hbuf)
	if err := v.ensureAllocated(hbuf, dataPageID); err != nil {
		return err
	}
	if vhMaxPage(hbuf) != oldMax {
		hdr.MarkDirty()
	}

	dp, err := v.s.Attach(dataPageID, FixWrite, NonManagePage)
	if err != nil {
		return err
	}
	dbuf := dp.Content().Bytes()
	off := dataOffset(slot, v.valueSize)
	wasNull := isNullValue(dbuf[off : off+int(v.valueSize)])
	if wasNull && !allowCreate {
		v.s.Detach(dp)
		return ErrBadArgument
	}
	copy(dbuf[off:off+int(v.valueSize)], value)
	count := binary.LittleEndian.Uint32(dbuf[0:4])
	if wasNull {
		count++
		binary.LittleEndian.PutUint32(dbuf[0:4], count)
	}
	dp.MarkDirty()
	v.s.Detach(dp)

	if wasNull {
		if err := v.setPresence(mgmtPageID, bit, true); err != nil {
			return err
		}
		vhSetCount(hbuf, vhCount(hbuf)+1)
		hdr.MarkDirty()
	}
	return nil
}

// Expunge clears row back to null. Expunging an already-absent row is
// a caller error, symmetric with the B-tree file's Expunge.
func (v *VectorFile) Expunge(tx *Transaction, row RowID) error {
	if tx.Cancelled() {
		return ErrCancel
	}
	hdr, hbuf, err := v.attachHeader(FixWrite)
	if err != nil {
		return err
	}
	defer v.s.Detach(hdr)

	dataPageID, mgmtPageID, bit, slot := v.locate(row)
	if dataPageID > vhMaxPage(hbuf) {
		return ErrBadArgument
	}
	dp, err := v.s.Attach(dataPageID, FixWrite, NonManagePage)
	if err != nil {
		return err
	}
	dbuf := dp.Content().Bytes()
	off := dataOffset(slot, v.valueSize)
	if isNullValue(dbuf[off : off+int(v.valueSize)]) {
		v.s.Detach(dp)
		return ErrBadArgument
	}
	for i := off; i < off+int(v.valueSize); i++ {
		dbuf[i] = 0xFF
	}
	count := binary.LittleEndian.Uint32(dbuf[0:4]) - 1
	binary.LittleEndian.PutUint32(dbuf[0:4], count)
	dp.MarkDirty()
	v.s.Detach(dp)

	if count == 0 {
		if err := v.setPresence(mgmtPageID, bit, false); err != nil {
			return err
		}
	}
	vhSetCount(hbuf, vhCount(hbuf)-1)
	hdr.MarkDirty()
	return nil
}

func (v *VectorFile) setPresence(mgmtPageID PageID, bit int, present bool) error {
	mp, err := v.s.Attach(mgmtPageID, FixWrite, PageManagePage)
	if err != nil {
		return err
	}
	mbuf := mp.Content().Bytes()
	bitSet(mbuf, bit, present)
	mp.MarkDirty()
	v.s.Detach(mp)
	return nil
}

// Fetch returns row's value, or found=false if row has never been
// written or was expunged. All-0xFF is treated as the null sentinel
// rather than a legal payload, so callers must not store an all-0xFF
// value and expect Fetch to see it.
func (v *VectorFile) Fetch(row RowID) (value []byte, found bool, err error) {
	hdr, hbuf, err := v.attachHeader(FixReadOnly)
	if err != nil {
		return nil, false, err
	}
	defer v.s.Detach(hdr)

	dataPageID, _, _, slot := v.locate(row)
	if dataPageID > vhMaxPage(hbuf) {
		return nil, false, nil
	}
	dp, err := v.s.Attach(dataPageID, FixReadOnly, NonManagePage)
	if err != nil {
		return nil, false, err
	}
	defer v.s.Detach(dp)
	dbuf := dp.Content().Bytes()
	off := dataOffset(slot, v.valueSize)
	raw := dbuf[off : off+int(v.valueSize)]
	if isNullValue(raw) {
		return nil, false, nil
	}
	out := make([]byte, v.valueSize)
	copy(out, raw)
	return out, true, nil
}

// IsValid reports whether row currently holds a live value.
func (v *VectorFile) IsValid(row RowID) (bool, error) {
	_, found, err := v.Fetch(row)
	return found, err
}

// GetCount returns the number of currently live rows.
func (v *VectorFile) GetCount() (uint32, error) {
	_, hbuf, err := v.attachHeaderRO()
	if err != nil {
		return 0, err
	}
	return vhCount(hbuf), nil
}

func (v *VectorFile) attachHeaderRO() (*Page, []byte, error) {
	hdr, hbuf, err := v.attachHeader(FixReadOnly)
	if err != nil {
		return nil, nil, err
	}
	defer v.s.Detach(hdr)
	return hdr, hbuf, nil
}

// Next returns the smallest live RowID strictly greater than row, or
// IllegalID if none exists.
func (v *VectorFile) Next(row RowID) (RowID, error) {
	return v.scan(row, true)
}

// Prev returns the largest live RowID strictly less than row, or
// IllegalID if none exists.
func (v *VectorFile) Prev(row RowID) (RowID, error) {
	return v.scan(row, false)
}

func (v *VectorFile) scan(row RowID, forward bool) (RowID, error) {
	_, hbuf, err := v.attachHeaderRO()
	if err != nil {
		return 0, err
	}
	maxPage := vhMaxPage(hbuf)
	if maxPage == 0 {
		return IllegalID, nil
	}
	epp := v.entriesPerPage()
	k := v.bitsPerMgmtPage()

	start := 0
	if forward {
		start = int(row) + 1
	} else if row == 0 {
		return IllegalID, nil
	} else {
		start = int(row) - 1
	}

	d := start / epp
	if !forward && start < 0 {
		return IllegalID, nil
	}
	maxGroup := int(maxPage-1) / k

	for {
		group := d / (k - 1)
		withinGroup := d % (k - 1)
		if group > maxGroup || group < 0 {
			return IllegalID, nil
		}
		mgmtPageID := PageID(1 + group*k)
		mp, err := v.s.Attach(mgmtPageID, FixReadOnly, PageManagePage)
		if err != nil {
			return IllegalID, err
		}
		mbuf := mp.Content().Bytes()
		bit := withinGroup + 1
		var found bool
		var nextDataIdx int
		if forward {
			if bitGet(mbuf, bit) {
				found = true
				nextDataIdx = d
			} else if nb := bitNextSet(mbuf, bit); nb >= 0 {
				found = true
				nextDataIdx = group*(k-1) + (nb - 1)
			}
		} else {
			if bitGet(mbuf, bit) {
				found = true
				nextDataIdx = d
			} else if pb := bitPrevSet(mbuf, bit); pb >= 1 {
				found = true
				nextDataIdx = group*(k-1) + (pb - 1)
			}
		}
		v.s.Detach(mp)

		if found {
			rowID, ok, err := v.scanDataPage(nextDataIdx, start, forward, epp)
			if err != nil {
				return IllegalID, err
			}
			if ok {
				return rowID, nil
			}
			if forward {
				d = nextDataIdx + 1
			} else {
				d = nextDataIdx - 1
			}
			continue
		}
		if forward {
			group++
			d = group * (k - 1)
		} else {
			group--
			if group < 0 {
				return IllegalID, nil
			}
			d = group*(k-1) + (k - 2)
		}
	}
}

// scanDataPage walks one data page's slots in the requested direction
// looking for a live value, starting from the slot implied by
// searchFrom (only meaningful on the page containing it).
func (v *VectorFile) scanDataPage(dataIdx, searchFrom int, forward bool, epp int) (RowID, bool, error) {
	dataPageID := v.dataPageIDFromIndex(dataIdx)
	dp, err := v.s.Attach(dataPageID, FixReadOnly, NonManagePage)
	if err != nil {
		return 0, false, err
	}
	defer v.s.Detach(dp)
	dbuf := dp.Content().Bytes()

	lo, hi := 0, epp-1
	if dataIdx == searchFrom/epp {
		if forward {
			lo = searchFrom % epp
		} else {
			hi = searchFrom % epp
		}
	}
	if forward {
		for s := lo; s <= hi; s++ {
			off := dataOffset(s, v.valueSize)
			if !isNullValue(dbuf[off : off+int(v.valueSize)]) {
				return RowID(dataIdx*epp + s), true, nil
			}
		}
	} else {
		for s := hi; s >= lo; s-- {
			off := dataOffset(s, v.valueSize)
			if !isNullValue(dbuf[off : off+int(v.valueSize)]) {
				return RowID(dataIdx*epp + s), true, nil
			}
		}
	}
	return 0, false, nil
}

func (v *VectorFile) dataPageIDFromIndex(dataIdx int) PageID {
	k := v.bitsPerMgmtPage()
	group := dataIdx / (k - 1)
	withinGroup := dataIdx % (k - 1)
	return PageID(1+group*k) + 1 + PageID(withinGroup)
}

// GetAll visits every live (RowID, value) pair in ascending order.
func (v *VectorFile) GetAll(visit func(RowID, []byte)) error {
	cur, err := v.firstRow()
	if err != nil {
		return err
	}
	for cur != IllegalID {
		val, found, err := v.Fetch(cur)
		if err != nil {
			return err
		}
		if found {
			visit(cur, val)
		}
		next, err := v.Next(cur)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// firstRow returns the smallest live RowID, or IllegalID if the file
// holds no live rows. Row 0 is a legal RowID, so this can't be
// expressed as Next(-1); it probes data page 0 directly, then falls
// back to the same forward scan Next uses.
func (v *VectorFile) firstRow() (RowID, error) {
	hdr, hbuf, err := v.attachHeader(FixReadOnly)
	if err != nil {
		return 0, err
	}
	v.s.Detach(hdr)
	if vhMaxPage(hbuf) == 0 {
		return IllegalID, nil
	}
	rowID, ok, err := v.scanDataPage(0, 0, true, v.entriesPerPage())
	if err != nil {
		return 0, err
	}
	if ok {
		return rowID, nil
	}
	return v.Next(0)
}

// Clear resets the vector file to empty, truncating the backing
// subfile back to its header page and re-initializing the header. This
// is the only way the file ever shrinks: ordinary Expunge leaves
// maxPageID where it is, and there is no compaction pass.
func (v *VectorFile) Clear(tx *Transaction) error {
	if tx.Cancelled() {
		return ErrCancel
	}
	if err := v.s.Truncate(); err != nil {
		return err
	}
	hdr, hbuf, err := v.attachHeader(FixWrite)
	if err != nil {
		return err
	}
	defer v.s.Detach(hdr)
	vhSetCount(hbuf, 0)
	vhSetMaxPage(hbuf, 0)
	hdr.MarkDirty()
	return nil
}
