package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gwuhaolin/livesync/av"
	"github.com/gwuhaolin/livesync/utils/pool"

	"github.com/livepeer/m3u8"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultMaxBufferLength = 30.0 // seconds buffered ahead before fetching pauses
	liveSyncDuration       = 3.0  // seconds behind the live edge to join at
	liveMaxLatency         = 6.0  // seconds behind the live edge before rejoining
)

var copyBuffers = pool.NewPool(0)

var (
	ErrNoPlaylist       = fmt.Errorf("no playlist loaded")
	ErrNotMediaPlaylist = fmt.Errorf("no media playlist")
	ErrClosed           = fmt.Errorf("hls source closed")
)

// Source downloads the segments of one HLS stream into a TSCacheItem. It
// follows the first variant of a master playlist, re-polls live playlists,
// and keeps at most maxBuffer seconds buffered ahead of the playback position.
// Network failures are retried on the next poll.
type Source struct {
	info      av.Info
	client    *http.Client
	poll      time.Duration
	maxBuffer float64
	position  func() float64
	onSegment func()
	onResync  func(pos float64)

	lock     sync.Mutex
	mediaURL *url.URL
	segments []TSItem // every segment seen, in timeline order
	next     int      // index in segments of the next download
	gen      int      // bumped by Jump so stale downloads are dropped
	loaded   bool
	live     bool // 라이브가 아니면 한 번 읽은 뒤 다시 폴링하지 않는다
	lastSeq  uint64
	lastPoll time.Time
	lastErr  error
	fetched  int

	tsCache *TSCacheItem
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSource creates a source for info. position reports the playback
// position; onSegment runs after each download and onResync after a live
// source dropped its buffer to rejoin the window at pos.
func NewSource(info av.Info, client *http.Client, poll time.Duration, maxBuffer float64,
	position func() float64, onSegment func(), onResync func(pos float64)) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBufferLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		info:      info,
		client:    client,
		poll:      poll,
		maxBuffer: maxBuffer,
		position:  position,
		onSegment: onSegment,
		onResync:  onResync,
		tsCache:   NewTSCacheItem(info.Name),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (source *Source) Info() av.Info {
	return source.info
}

func (source *Source) GetCacheInc() *TSCacheItem {
	return source.tsCache
}

// Start launches the download loop.
func (source *Source) Start() {
	source.wg.Add(1)
	go func() {
		defer source.wg.Done()
		for {
			wait := source.step(source.ctx)
			if wait > 0 {
				select {
				case <-source.ctx.Done():
					return
				case <-time.After(wait):
				}
			} else if source.ctx.Err() != nil {
				return
			}
		}
	}()
}

// Close aborts in-flight requests and waits for the loop to exit.
func (source *Source) Close() {
	source.cancel()
	source.wg.Wait()
}

// Buffered returns the downloaded range.
func (source *Source) Buffered() (start, end float64, ok bool) {
	return source.tsCache.Window()
}

// Live reports whether the playlist is still open.
func (source *Source) Live() bool {
	source.lock.Lock()
	defer source.lock.Unlock()
	return source.live
}

func (source *Source) Fetched() int {
	source.lock.Lock()
	defer source.lock.Unlock()
	return source.fetched
}

func (source *Source) LastError() error {
	source.lock.Lock()
	defer source.lock.Unlock()
	return source.lastErr
}

// Jump moves the download cursor to the segment containing pos and flushes
// the buffer. It reports false when pos is outside the known timeline.
func (source *Source) Jump(pos float64) bool {
	source.lock.Lock()
	defer source.lock.Unlock()

	for i, item := range source.segments {
		if item.Contains(pos) {
			source.next = i
			source.gen++
			source.tsCache.Flush()
			log.Debugf("[%s] buffer flushed, jumping to segment %d at %.3f", source.tsCache.ID(), item.SeqNum, item.Start)
			return true
		}
	}
	return false
}

// step does one unit of work and returns how long to wait before the next.
func (source *Source) step(ctx context.Context) time.Duration {
	source.lock.Lock()
	needPoll := !source.loaded || (source.live && time.Since(source.lastPoll) >= source.poll)
	source.lock.Unlock()

	if needPoll {
		err := source.loadPlaylist(ctx)
		source.lock.Lock()
		source.lastPoll = time.Now()
		source.lastErr = err
		source.lock.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				log.Debugf("[%v] playlist error: %v", source.info, err)
			}
			return source.poll
		}
	}

	item, gen, ok := source.pending()
	if !ok {
		return source.poll / 4
	}
	if err := source.download(ctx, &item); err != nil {
		source.lock.Lock()
		source.lastErr = err
		source.lock.Unlock()
		if ctx.Err() == nil {
			log.Debugf("[%v] segment %s error: %v", source.info, item.Name, err)
		}
		return source.poll
	}

	source.lock.Lock()
	if gen != source.gen {
		// a seek moved the cursor while we were downloading
		source.lock.Unlock()
		return 0
	}
	source.tsCache.SetItem(item.Name, item)
	source.segments[source.next] = item
	source.next++
	source.fetched++
	source.lastErr = nil
	source.lock.Unlock()

	if source.onSegment != nil {
		source.onSegment()
	}
	return 0
}

// pending returns the next segment to fetch, if the buffer has room.
func (source *Source) pending() (TSItem, int, bool) {
	source.lock.Lock()
	defer source.lock.Unlock()

	if source.next >= len(source.segments) {
		return TSItem{}, 0, false
	}
	if _, end, ok := source.tsCache.Window(); ok && source.position != nil {
		if end-source.position() >= source.maxBuffer {
			return TSItem{}, 0, false
		}
	}
	return source.segments[source.next], source.gen, true
}

func (source *Source) download(ctx context.Context, item *TSItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return err
	}
	resp, err := source.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", item.URL, resp.Status)
	}
	// 세그먼트 본문은 재사용 버퍼로 읽고 크기만 기록한다.
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)
	size := 0
	for {
		n, err := resp.Body.Read(buf)
		size += n
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	item.Size = size
	return nil
}

func (source *Source) loadPlaylist(ctx context.Context) error {
	source.lock.Lock()
	u := source.mediaURL
	source.lock.Unlock()

	if u == nil {
		var err error
		if u, err = url.Parse(source.info.URL); err != nil {
			return fmt.Errorf("stream url: %w", err)
		}
	}

	pl, listType, err := source.fetchPlaylist(ctx, u)
	if err != nil {
		return err
	}
	// 마스터 플레이리스트면 첫 번째 variant 를 따라간다.
	if listType == m3u8.MASTER {
		master := pl.(*m3u8.MasterPlaylist)
		var variant *m3u8.Variant
		for _, v := range master.Variants {
			if v != nil {
				variant = v
				break
			}
		}
		if variant == nil {
			return ErrNotMediaPlaylist
		}
		ref, err := url.Parse(variant.URI)
		if err != nil {
			return fmt.Errorf("variant uri: %w", err)
		}
		u = u.ResolveReference(ref)
		if pl, listType, err = source.fetchPlaylist(ctx, u); err != nil {
			return err
		}
		if listType != m3u8.MEDIA {
			return ErrNotMediaPlaylist
		}
	}

	added, resync, ok := source.merge(u, pl.(*m3u8.MediaPlaylist))
	log.Debugf("[%v] playlist loaded, %d new segments", source.info, added)
	if ok && source.onResync != nil {
		source.onResync(resync)
	}
	return nil
}

func (source *Source) fetchPlaylist(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := source.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("GET %s: %s", u, resp.Status)
	}
	pl, listType, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", u, err)
	}
	return pl, listType, nil
}

// merge appends the segments of media not seen yet and returns how many.
// When a live source fell out of the window it is moved back near the live
// edge and the new playback position is returned with ok set.
func (source *Source) merge(base *url.URL, media *m3u8.MediaPlaylist) (added int, resync float64, ok bool) {
	source.lock.Lock()
	defer source.lock.Unlock()

	source.mediaURL = base
	source.live = media.Live

	for i, seg := range media.Segments {
		if seg == nil {
			continue
		}
		seq := media.SeqNo + uint64(i)
		if source.loaded && seq <= source.lastSeq {
			continue
		}
		ref, err := url.Parse(seg.URI)
		if err != nil {
			log.Debugf("[%v] bad segment uri %q: %v", source.info, seg.URI, err)
			continue
		}
		start := 0.0
		if n := len(source.segments); n > 0 {
			start = source.segments[n-1].End()
		}
		source.segments = append(source.segments, TSItem{
			Name:     seg.URI,
			URL:      base.ResolveReference(ref).String(),
			SeqNum:   seq,
			Start:    start,
			Duration: seg.Duration,
		})
		source.lastSeq = seq
		added++
	}

	if !source.loaded && source.live {
		source.next = liveStartIndex(source.segments)
	} else if source.live && source.behindWindow(media.SeqNo) {
		// 윈도우 밖으로 밀려났거나 지연이 너무 크면 버퍼를 비우고 라이브 엣지 근처로 다시 합류한다.
		first := windowStart(source.segments, media.SeqNo)
		source.next = first + liveStartIndex(source.segments[first:])
		source.gen++
		source.tsCache.Flush()
		resync, ok = source.segments[source.next].Start, true
		log.Debugf("[%v] rejoining live window at segment %d (%.3f)", source.info, source.segments[source.next].SeqNum, resync)
	}
	source.loaded = true
	return added, resync, ok
}

// behindWindow reports whether the next download has left the playlist
// window or playback lags the live edge by more than liveMaxLatency.
// Caller holds lock.
func (source *Source) behindWindow(firstSeq uint64) bool {
	n := len(source.segments)
	if n == 0 {
		return false
	}
	if source.next < n && source.segments[source.next].SeqNum < firstSeq {
		return true
	}
	if source.position == nil || source.fetched == 0 {
		return false
	}
	return source.segments[n-1].End()-source.position() > liveMaxLatency
}

// windowStart returns the index of the first segment with seq >= firstSeq.
func windowStart(segments []TSItem, firstSeq uint64) int {
	for i, item := range segments {
		if item.SeqNum >= firstSeq {
			return i
		}
	}
	return len(segments) - 1
}

// liveStartIndex picks the first segment within liveSyncDuration of the
// live edge.
func liveStartIndex(segments []TSItem) int {
	total := 0.0
	for i := len(segments) - 1; i >= 0; i-- {
		total += segments[i].Duration
		if total >= liveSyncDuration {
			return i
		}
	}
	return 0
}
