package pool

import "sync"

// 세그먼트 본문은 매 요청마다 새로 할당하는 대신 재사용 버퍼로 읽는다.
// 여러 소스 고루틴이 함께 써도 된다.

// default scratch buffer size, 32 kb
const defaultSize = 32 * 1024

type Pool struct {
	size int
	bufs sync.Pool
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = defaultSize
	}
	pool := &Pool{size: size}
	pool.bufs.New = func() interface{} {
		b := make([]byte, pool.size)
		return &b
	}
	return pool
}

func (pool *Pool) Size() int {
	return pool.size
}

// Get returns a buffer of Size bytes. Its contents are undefined.
func (pool *Pool) Get() []byte {
	return *pool.bufs.Get().(*[]byte)
}

// Put hands b back. Buffers of another size are dropped.
func (pool *Pool) Put(b []byte) {
	if cap(b) != pool.size {
		return
	}
	b = b[:pool.size]
	pool.bufs.Put(&b)
}
