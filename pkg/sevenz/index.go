package sevenz

import "github.com/tidwall/btree"

// archiveIndex is a path-sorted view of an archive's FileEntry list,
// giving O(log n) lookup instead of the linear scan Files() would require.
// Adapted from this lineage's existing sorted in-memory metadata index
// (compare-by-Path btree.BTree), swapping node ordering for archive-entry
// ordering.
type archiveIndex struct {
	tree *btree.BTree
}

func newArchiveIndex(files []FileEntry) *archiveIndex {
	compare := func(a, b interface{}) bool {
		return a.(FileEntry).Name < b.(FileEntry).Name
	}
	idx := &archiveIndex{tree: btree.New(compare)}
	for _, f := range files {
		idx.tree.Set(f)
	}
	return idx
}

func (idx *archiveIndex) get(name string) (FileEntry, bool) {
	item := idx.tree.Get(FileEntry{Name: name})
	if item == nil {
		return FileEntry{}, false
	}
	return item.(FileEntry), true
}

// ascend calls fn for every entry at or after pivot in sorted name order,
// stopping early if fn returns false. Used by directory-listing callers
// (e.g. the FUSE layer) that want children of a prefix without a full
// linear scan; pass pivot+"\x00" to skip the prefix itself.
func (idx *archiveIndex) ascend(pivot string, fn func(FileEntry) bool) {
	idx.tree.Ascend(FileEntry{Name: pivot}, func(item interface{}) bool {
		return fn(item.(FileEntry))
	})
}

// len reports the number of indexed entries.
func (idx *archiveIndex) len() int {
	return idx.tree.Len()
}
