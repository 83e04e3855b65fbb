package storagecore

// PageID identifies a logical page within one Subfile. PageID 0 always
// names the header page.
type PageID uint32

// Undefined marks the absence of a page pointer (e.g. an internal
// node's left sibling at the edge of the tree, or a B-tree leaf with
// no successor). It is the sentinel used by the B-tree file's
// leaf-chain pointers and GetNextLeafPageID. Kept deliberately
// distinct from IllegalID below — one sentinel per API, never merged
// — even though both mean roughly "no such page".
const Undefined PageID = 0xFFFFFFFF

// IllegalID is the vector file's "no such rowID" marker returned by
// Next/Prev when iteration is exhausted. It is never returned by the
// B-tree file; code that receives a PageID from the B-tree treats
// only Undefined as "none".
const IllegalID RowID = 0xFFFFFFFE

// AreaID identifies one slot inside one physical page. Only
// meaningful paired with a PageID. 32 bits wide to keep area
// directory arithmetic uniform with PageID.
type AreaID uint32

// NoArea is returned alongside a PageID when no area pointer applies.
const NoArea AreaID = 0xFFFFFFFF

// RowID identifies a logical row. Dense-in-insertion-order is not
// assumed: a vector file can have gaps where rows were expunged.
type RowID uint32

// FixMode controls how a page is attached. The flags are or-able:
// FixAllocate|FixDiscardable is valid, FixReadOnly|FixWrite is not
// (callers choose one access mode, plus optional modifiers).
type FixMode uint8

const (
	// FixReadOnly forbids mutation: MarkDirty panics on a page fixed
	// only for read. Content() still returns the same byte slice.
	FixReadOnly FixMode = 1 << iota
	// FixWrite allows mutation; dirty() calls are tracked for flush.
	FixWrite
	// FixAllocate returns a zero-initialized buffer without reading
	// the backing store — used only by AllocatePage.
	FixAllocate
	// FixDiscardable allows the version store to drop this page's
	// modifications on error instead of propagating it to the
	// transaction's dirty set.
	FixDiscardable
)

func (m FixMode) writable() bool {
	return m&(FixWrite|FixAllocate) != 0
}

// Priority is an eviction hint recorded on each Page (see
// Page.Priority). This package keeps no buffer cache of its own and
// never consults it.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// PageKind tags which of the four physical page roles a Page plays: a
// tagged-variant enum standing in for what would otherwise be a pile
// of kind-specific virtual methods, each defaulting to NotSupported.
type PageKind int

const (
	// NonManagePage is a plain fixed-layout data page: the B-tree and
	// vector files' own pages. Content() hides only the subfile's
	// file header, and only for PageID 0.
	NonManagePage PageKind = iota
	// AreaManagePage carries a variable-length area directory; used
	// by the direct-area façade's backing store.
	AreaManagePage
	// PageManagePage is a vector-file management page: a bitmap
	// table describing which of the following data pages are
	// non-empty.
	PageManagePage
	// DirectAreaPage is an AreaManagePage whose (PageID, AreaID) pairs
	// are handed to callers as durable pointers rather than resolved
	// on their behalf.
	DirectAreaPage
)
