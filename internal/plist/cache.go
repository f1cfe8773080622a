package plist

import (
	"fmt"
	"sort"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
)

// PendingBlock is a block whose latest bytes live only in the cache.
type PendingBlock struct {
	Header BlockHeader
	Body   []byte

	// set when the cached bytes differ from the collection
	dirty bool
}

// BlockCache is the write-back buffer of one list's blocks. It belongs to at
// most one list at a time and is not safe for concurrent use.
type BlockCache struct {
	listID uint32
	owned  bool
	accum  int
	blocks map[uint32]*PendingBlock

	// header of the owning list as of the last append
	list      ListHeader
	listDirty bool
}

func NewBlockCache() *BlockCache {
	return &BlockCache{blocks: make(map[uint32]*PendingBlock)}
}

// Owner returns the list the cache currently belongs to.
func (c *BlockCache) Owner() (uint32, bool) {
	return c.listID, c.owned
}

// Bind hands the cache to listID. Binding to a different list drops every
// unflushed block of the previous owner and returns the number of chunk bytes
// that were lost; binding to the current owner is a no-op.
func (c *BlockCache) Bind(listID uint32) (discarded int) {
	if c.owned && c.listID == listID {
		return 0
	}
	discarded = c.accum
	c.Clear()
	c.listID = listID
	c.owned = true
	return discarded
}

// Lookup returns the pending block only when the cache belongs to listID.
// Asking about any other list fails with ErrCacheOwnership so stale blocks
// are never mistaken for another list's data.
func (c *BlockCache) Lookup(listID, blockID uint32) (*PendingBlock, bool, error) {
	if !c.owned || c.listID != listID {
		return nil, false, fmt.Errorf("%w: want list %d, cache holds %s",
			apperrors.ErrCacheOwnership, listID, c.ownerString())
	}
	pb, ok := c.blocks[blockID]
	return pb, ok, nil
}

// Holds reports whether the cache belongs to listID and has blockID pending.
func (c *BlockCache) Holds(listID, blockID uint32) bool {
	if !c.owned || c.listID != listID {
		return false
	}
	_, ok := c.blocks[blockID]
	return ok
}

func (c *BlockCache) Put(blockID uint32, pb *PendingBlock) {
	c.blocks[blockID] = pb
}

func (c *BlockCache) Get(blockID uint32) (*PendingBlock, bool) {
	pb, ok := c.blocks[blockID]
	return pb, ok
}

// Evict drops one pending block without touching the accumulator.
func (c *BlockCache) Evict(blockID uint32) {
	delete(c.blocks, blockID)
}

func (c *BlockCache) Accumulate(n int) {
	c.accum += n
}

func (c *BlockCache) Accumulator() int {
	return c.accum
}

// SetListHeader records the owning list's header so a flush can persist it.
func (c *BlockCache) SetListHeader(h ListHeader) {
	c.list = h
	c.listDirty = true
}

// MarkListHeaderPersisted records h as the owning list's header when it is
// already stored, so a flush does not write it again.
func (c *BlockCache) MarkListHeaderPersisted(h ListHeader) {
	c.list = h
	c.listDirty = false
}

// ListHeader returns the recorded header and whether it still needs writing.
func (c *BlockCache) ListHeader() (ListHeader, bool) {
	return c.list, c.listDirty
}

// BlockIDs returns the pending block ids in ascending order.
func (c *BlockCache) BlockIDs() []uint32 {
	ids := make([]uint32, 0, len(c.blocks))
	for id := range c.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *BlockCache) Len() int {
	return len(c.blocks)
}

// Clear drops every pending block and resets the accumulator and owner.
func (c *BlockCache) Clear() {
	c.blocks = make(map[uint32]*PendingBlock)
	c.accum = 0
	c.listID = 0
	c.owned = false
	c.list = ListHeader{}
	c.listDirty = false
}

func (c *BlockCache) ownerString() string {
	if !c.owned {
		return "no list"
	}
	return fmt.Sprintf("list %d", c.listID)
}
