// Package index provides the ordered key indexes of a table: a unique
// primary index mapping key values to RIDs and optional secondary indexes
// mapping column values to RID sets. Both support point and ascending range
// lookups.
package index

import (
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/btree"

	"github.com/lstoredb/lstore/model"
)

// ErrDuplicateKey is returned on a primary insert for an existing key.
var ErrDuplicateKey = errors.New("duplicate key")

const btreeDegree = 32

type pkItem struct {
	key int64
	rid model.RID
}

func pkLess(a, b pkItem) bool { return a.key < b.key }

// Primary is the unique primary-key index.
type Primary struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[pkItem]
}

// NewPrimary creates an empty primary index.
func NewPrimary() *Primary {
	return &Primary{tree: btree.NewG(btreeDegree, pkLess)}
}

// Insert maps key to rid, enforcing uniqueness.
func (p *Primary) Insert(key int64, rid model.RID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tree.Get(pkItem{key: key}); ok {
		return ErrDuplicateKey
	}
	p.tree.ReplaceOrInsert(pkItem{key: key, rid: rid})
	return nil
}

// Lookup returns the RID for key.
func (p *Primary) Lookup(key int64) (model.RID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.tree.Get(pkItem{key: key})
	if !ok {
		return 0, false
	}
	return item.rid, true
}

// Delete removes key and reports whether it was present.
func (p *Primary) Delete(key int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.tree.Delete(pkItem{key: key})
	return ok
}

// Range returns the RIDs for all keys in [low, high], ascending by key.
func (p *Primary) Range(low, high int64) []model.RID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var rids []model.RID
	p.tree.AscendGreaterOrEqual(pkItem{key: low}, func(item pkItem) bool {
		if item.key > high {
			return false
		}
		rids = append(rids, item.rid)
		return true
	})
	return rids
}

// Len returns the number of indexed keys.
func (p *Primary) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Len()
}

type postings struct {
	key int64
	set *roaring64.Bitmap
}

func postingsLess(a, b postings) bool { return a.key < b.key }

// Secondary is a non-unique index over one column: each key value maps to
// the set of RIDs currently carrying it.
type Secondary struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[postings]
}

// NewSecondary creates an empty secondary index.
func NewSecondary() *Secondary {
	return &Secondary{tree: btree.NewG(btreeDegree, postingsLess)}
}

// Add records that rid carries key.
func (s *Secondary) Add(key int64, rid model.RID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.tree.Get(postings{key: key})
	if !ok {
		item = postings{key: key, set: roaring64.New()}
		s.tree.ReplaceOrInsert(item)
	}
	item.set.Add(uint64(rid))
}

// Remove drops rid from key's posting set, deleting the set when empty.
func (s *Secondary) Remove(key int64, rid model.RID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.tree.Get(postings{key: key})
	if !ok {
		return
	}
	item.set.Remove(uint64(rid))
	if item.set.IsEmpty() {
		s.tree.Delete(item)
	}
}

// Lookup returns the RIDs carrying key, in RID order.
func (s *Secondary) Lookup(key int64) []model.RID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.tree.Get(postings{key: key})
	if !ok {
		return nil
	}
	return toRIDs(item.set)
}

// Range returns the RIDs for all keys in [low, high], ascending by key.
// RIDs sharing a key come out in RID order.
func (s *Secondary) Range(low, high int64) []model.RID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rids []model.RID
	s.tree.AscendGreaterOrEqual(postings{key: low}, func(item postings) bool {
		if item.key > high {
			return false
		}
		rids = append(rids, toRIDs(item.set)...)
		return true
	})
	return rids
}

func toRIDs(set *roaring64.Bitmap) []model.RID {
	rids := make([]model.RID, 0, set.GetCardinality())
	it := set.Iterator()
	for it.HasNext() {
		rids = append(rids, model.RID(it.Next()))
	}
	return rids
}
