package hls

import (
	"container/list"
	"sync"
)

const (
	maxTSCacheNum = 64
)

// TSCacheItem is a player's buffer of downloaded segments, kept in timeline
// order. When full, the oldest segment is dropped.
// 리스트는 순서를, 맵은 키 조회를 담당한다.
type TSCacheItem struct {
	id   string
	num  int
	lock sync.RWMutex
	ll   *list.List
	lm   map[string]TSItem
}

func NewTSCacheItem(id string) *TSCacheItem {
	return &TSCacheItem{
		id:  id,
		ll:  list.New(),
		num: maxTSCacheNum,
		lm:  make(map[string]TSItem),
	}
}

func (tcCacheItem *TSCacheItem) ID() string {
	return tcCacheItem.id
}

// SetItem appends a segment. Segments must arrive in timeline order.
func (tcCacheItem *TSCacheItem) SetItem(key string, item TSItem) {
	tcCacheItem.lock.Lock()
	defer tcCacheItem.lock.Unlock()

	if _, ok := tcCacheItem.lm[key]; ok {
		tcCacheItem.lm[key] = item
		return
	}
	// 가득 차면 가장 오래된 세그먼트를 버린다.
	if tcCacheItem.ll.Len() == tcCacheItem.num {
		e := tcCacheItem.ll.Front()
		tcCacheItem.ll.Remove(e)
		delete(tcCacheItem.lm, e.Value.(string))
	}
	tcCacheItem.lm[key] = item
	tcCacheItem.ll.PushBack(key)
}

// Window returns the buffered range [start, end). Gaps between segments are
// not expected because segments are fetched in order; ok is false when the
// buffer is empty.
func (tcCacheItem *TSCacheItem) Window() (start, end float64, ok bool) {
	tcCacheItem.lock.RLock()
	defer tcCacheItem.lock.RUnlock()

	front, back := tcCacheItem.ll.Front(), tcCacheItem.ll.Back()
	if front == nil {
		return 0, 0, false
	}
	first := tcCacheItem.lm[front.Value.(string)]
	last := tcCacheItem.lm[back.Value.(string)]
	return first.Start, last.End(), true
}

// Bytes returns the total size of the buffered segments.
func (tcCacheItem *TSCacheItem) Bytes() int {
	tcCacheItem.lock.RLock()
	defer tcCacheItem.lock.RUnlock()

	n := 0
	for _, item := range tcCacheItem.lm {
		n += item.Size
	}
	return n
}

func (tcCacheItem *TSCacheItem) Len() int {
	tcCacheItem.lock.RLock()
	defer tcCacheItem.lock.RUnlock()
	return tcCacheItem.ll.Len()
}

// Flush drops every buffered segment.
func (tcCacheItem *TSCacheItem) Flush() {
	tcCacheItem.lock.Lock()
	defer tcCacheItem.lock.Unlock()
	tcCacheItem.ll.Init()
	tcCacheItem.lm = make(map[string]TSItem)
}
