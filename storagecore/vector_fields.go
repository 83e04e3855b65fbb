package storagecore

import "fmt"

// Field projection over the vector file's fixed-width records: Fetch,
// Update, Next and Prev each have a variant taking a list of field
// indices so callers touching one column of a wide record don't have
// to round-trip the whole record. The field layout is declared once at
// OpenVectorFileWithFields and is purely an interpretation of the
// record bytes — the on-disk format is identical to the single-field
// file's.

func (v *VectorFile) checkFields(fields []int) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty field list", ErrBadArgument)
	}
	for _, f := range fields {
		if f < 0 || f >= len(v.fieldSizes) {
			return fmt.Errorf("%w: field %d out of range (record has %d)", ErrBadArgument, f, len(v.fieldSizes))
		}
	}
	return nil
}

func (v *VectorFile) projectFields(record []byte, fields []int) [][]byte {
	out := make([][]byte, len(fields))
	for i, f := range fields {
		off := v.fieldOffs[f]
		fv := make([]byte, v.fieldSizes[f])
		copy(fv, record[off:off+v.fieldSizes[f]])
		out[i] = fv
	}
	return out
}

// FetchFields returns the requested fields of row's record, in the
// order the indices were given, or found=false if row holds no live
// record.
func (v *VectorFile) FetchFields(row RowID, fields []int) ([][]byte, bool, error) {
	if err := v.checkFields(fields); err != nil {
		return nil, false, err
	}
	record, found, err := v.Fetch(row)
	if err != nil || !found {
		return nil, false, err
	}
	return v.projectFields(record, fields), true, nil
}

// UpdateFields overwrites the named fields of row's record in place,
// leaving every other field untouched. The row must already be live;
// vals[i] must be exactly fieldSizes[fields[i]] bytes.
func (v *VectorFile) UpdateFields(tx *Transaction, row RowID, vals [][]byte, fields []int) error {
	if tx.Cancelled() {
		return ErrCancel
	}
	if err := v.checkFields(fields); err != nil {
		return err
	}
	if len(vals) != len(fields) {
		return fmt.Errorf("%w: %d values for %d fields", ErrBadArgument, len(vals), len(fields))
	}
	for i, f := range fields {
		if uint32(len(vals[i])) != v.fieldSizes[f] {
			return fmt.Errorf("%w: field %d is %d bytes, got %d", ErrBadArgument, f, v.fieldSizes[f], len(vals[i]))
		}
	}

	hdr, hbuf, err := v.attachHeader(FixWrite)
	if err != nil {
		return err
	}
	defer v.s.Detach(hdr)

	dataPageID, _, _, slot := v.locate(row)
	if dataPageID > vhMaxPage(hbuf) {
		return ErrBadArgument
	}
	dp, err := v.s.Attach(dataPageID, FixWrite, NonManagePage)
	if err != nil {
		return err
	}
	defer v.s.Detach(dp)
	dbuf := dp.Content().Bytes()
	off := dataOffset(slot, v.valueSize)
	record := dbuf[off : off+int(v.valueSize)]
	if isNullValue(record) {
		return ErrBadArgument
	}
	for i, f := range fields {
		copy(record[v.fieldOffs[f]:], vals[i])
	}
	// A partial write can't turn a live record all-0xFF back into the
	// null sentinel unless the caller stored 0xFF in every field, which
	// the layout restriction on null values already forbids; no
	// presence-bit bookkeeping is needed here.
	dp.MarkDirty()
	return nil
}

// NextFetch combines Next with a field fetch: it returns the first
// live row after row that is also present in mask (pass nil to accept
// every live row), together with that row's requested fields. Returns
// IllegalID and no fields when iteration is exhausted.
func (v *VectorFile) NextFetch(row RowID, fields []int, mask *BitSet) (RowID, [][]byte, error) {
	if err := v.checkFields(fields); err != nil {
		return IllegalID, nil, err
	}
	cur := row
	for {
		next, err := v.Next(cur)
		if err != nil {
			return IllegalID, nil, err
		}
		if next == IllegalID {
			return IllegalID, nil, nil
		}
		if mask == nil || mask.Test(uint32(next)) {
			vals, found, err := v.FetchFields(next, fields)
			if err != nil {
				return IllegalID, nil, err
			}
			if found {
				return next, vals, nil
			}
		}
		cur = next
	}
}

// PrevFetch is NextFetch's backward counterpart, without the mask (the
// callers that filter by bitset only ever scan forward).
func (v *VectorFile) PrevFetch(row RowID, fields []int) (RowID, [][]byte, error) {
	if err := v.checkFields(fields); err != nil {
		return IllegalID, nil, err
	}
	prev, err := v.Prev(row)
	if err != nil || prev == IllegalID {
		return IllegalID, nil, err
	}
	vals, found, err := v.FetchFields(prev, fields)
	if err != nil || !found {
		return IllegalID, nil, err
	}
	return prev, vals, nil
}
