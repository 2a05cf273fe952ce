package cbsync

import (
	"container/list"
	"sync"
)

// detailCache is a thread-safe LRU cache of decoded volume details. It
// sits in front of the volume_details table so repeated processing of the
// same volume doesn't re-decode the JSON blob on every access.
type detailCache struct {
	capacity int
	cache    map[int]*list.Element
	list     *list.List
	mu       sync.Mutex
}

type detailEntry struct {
	volumeID int
	detail   *VolumeDetail
}

// newDetailCache creates an LRU cache with the given capacity. Details
// are a few KB each, so even a large library fits in a small cache.
func newDetailCache(capacity int) *detailCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &detailCache{
		capacity: capacity,
		cache:    make(map[int]*list.Element),
		list:     list.New(),
	}
}

func (c *detailCache) get(volumeID int) (*VolumeDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[volumeID]; ok {
		c.list.MoveToFront(elem)
		return elem.Value.(*detailEntry).detail, true
	}
	return nil, false
}

func (c *detailCache) put(volumeID int, detail *VolumeDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[volumeID]; ok {
		elem.Value.(*detailEntry).detail = detail
		c.list.MoveToFront(elem)
		return
	}

	if c.list.Len() >= c.capacity {
		back := c.list.Back()
		if back != nil {
			delete(c.cache, back.Value.(*detailEntry).volumeID)
			c.list.Remove(back)
		}
	}

	elem := c.list.PushFront(&detailEntry{volumeID: volumeID, detail: detail})
	c.cache[volumeID] = elem
}

func (c *detailCache) delete(volumeID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[volumeID]; ok {
		delete(c.cache, volumeID)
		c.list.Remove(elem)
	}
}

func (c *detailCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[int]*list.Element)
	c.list = list.New()
}
