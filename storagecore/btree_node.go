package storagecore

import "encoding/binary"

// Entry is one B-tree leaf or internal pointer: a fixed 12-byte
// { key, pageID, areaID } triple. At leaf level pageID/areaID name the
// row's storage location; at internal level pageID names a child page
// and areaID is unused (kept zero).
type Entry struct {
	Key    uint32
	PageID PageID
	AreaID AreaID
}

const entrySize = 12

// Tree node layout within a page's Content: { prevPageID:u32,
// nextPageID:u32, count:u32 } followed by count packed Entry values.
// The top bit of count flags a leaf page. Pages form a doubly linked
// list at every level of the tree; at leaf level that list is the
// iteration order.
const (
	nodeHeaderSize = 12
	leafFlag       = 1 << 31
)

func nodeCap(bodyLen int) int {
	return (bodyLen - nodeHeaderSize) / entrySize
}

func nodePrev(buf []byte) PageID { return PageID(binary.LittleEndian.Uint32(buf[0:4])) }
func nodeSetPrev(buf []byte, id PageID) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
}
func nodeNext(buf []byte) PageID { return PageID(binary.LittleEndian.Uint32(buf[4:8])) }
func nodeSetNext(buf []byte, id PageID) {
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
}

func nodeCountRaw(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[8:12]) }
func nodeIsLeaf(buf []byte) bool     { return nodeCountRaw(buf)&leafFlag != 0 }
func nodeCount(buf []byte) int       { return int(nodeCountRaw(buf) &^ leafFlag) }

func nodeSetCount(buf []byte, n int, leaf bool) {
	v := uint32(n)
	if leaf {
		v |= leafFlag
	}
	binary.LittleEndian.PutUint32(buf[8:12], v)
}

func entryOffset(i int) int { return nodeHeaderSize + i*entrySize }

func nodeEntry(buf []byte, i int) Entry {
	off := entryOffset(i)
	return Entry{
		Key:    binary.LittleEndian.Uint32(buf[off:]),
		PageID: PageID(binary.LittleEndian.Uint32(buf[off+4:])),
		AreaID: AreaID(binary.LittleEndian.Uint32(buf[off+8:])),
	}
}

func nodeSetEntry(buf []byte, i int, e Entry) {
	off := entryOffset(i)
	binary.LittleEndian.PutUint32(buf[off:], e.Key)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(e.PageID))
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(e.AreaID))
}

// nodeInsertAt shifts entries [i:count) right by one slot and writes
// e at i. Caller must have already verified there is a free slot.
func nodeInsertAt(buf []byte, count, i int, e Entry) {
	for j := count; j > i; j-- {
		nodeSetEntry(buf, j, nodeEntry(buf, j-1))
	}
	nodeSetEntry(buf, i, e)
}

// nodeRemoveAt shifts entries (i:count) left by one slot, overwriting
// the entry at i.
func nodeRemoveAt(buf []byte, count, i int) {
	for j := i; j < count-1; j++ {
		nodeSetEntry(buf, j, nodeEntry(buf, j+1))
	}
}

// HeaderPage layout, within the Content of the B-tree's PageID 0:
// { count:u32, rootPageID:u32, leftPageID:u32, rightPageID:u32 }.
//
// A freshly created subfile's page 0 body is zero-filled, and PageID 0
// (the header page itself) can never be a tree page, so the getters
// below read a stored 0 as Undefined: "no tree yet" and the explicit
// Undefined an emptied tree writes back are the same state.
const headerPageSize = 16

func headerPageField(buf []byte, off int) PageID {
	id := PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	if id == 0 {
		return Undefined
	}
	return id
}

func headerCount(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[0:4]) }
func headerSetCount(buf []byte, n uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], n)
}
func headerRoot(buf []byte) PageID { return headerPageField(buf, 4) }
func headerSetRoot(buf []byte, id PageID) {
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
}
func headerLeft(buf []byte) PageID { return headerPageField(buf, 8) }
func headerSetLeft(buf []byte, id PageID) {
	binary.LittleEndian.PutUint32(buf[8:12], uint32(id))
}
func headerRight(buf []byte) PageID { return headerPageField(buf, 12) }
func headerSetRight(buf []byte, id PageID) {
	binary.LittleEndian.PutUint32(buf[12:16], uint32(id))
}
