package installer

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/modsync/internal/archive"
	"github.com/openmined/modsync/internal/snapshot"
)

// ChangeSet classifies every path of the old snapshot and the new tree.
// The four lists are disjoint and sorted.
type ChangeSet struct {
	Added     []string
	Removed   []string
	Unchanged []string
	Updated   []string
}

// Empty reports whether applying the change set would touch the disk.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Diff compares the last installed snapshot of a mod with the tree about to
// be installed. A nil snapshot means the mod was never installed.
func Diff(old *snapshot.Snapshot, tree *archive.FileTree) *ChangeSet {
	newPaths := mapset.NewThreadUnsafeSet(tree.Paths()...)
	oldPaths := mapset.NewThreadUnsafeSet[string]()
	if old != nil {
		oldPaths.Append(old.Paths()...)
	}

	cs := &ChangeSet{
		Added:   sorted(newPaths.Difference(oldPaths)),
		Removed: sorted(oldPaths.Difference(newPaths)),
	}

	for _, p := range sorted(newPaths.Intersect(oldPaths)) {
		entry, _ := tree.Get(p)
		was, _ := old.Lookup(p)
		if entry.Fingerprint == was {
			cs.Unchanged = append(cs.Unchanged, p)
		} else {
			cs.Updated = append(cs.Updated, p)
		}
	}
	return cs
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
