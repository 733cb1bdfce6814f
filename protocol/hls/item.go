package hls

// TSItem describes one media segment on the player's timeline.
type TSItem struct {
	Name     string  // segment URI as written in the playlist
	URL      string  // absolute URL the segment is fetched from
	SeqNum   uint64  // media sequence number
	Start    float64 // timeline position of the first sample, seconds
	Duration float64 // seconds
	Size     int     // downloaded bytes, 0 until fetched
}

func (item TSItem) End() float64 {
	return item.Start + item.Duration
}

// Contains reports whether pos falls inside the segment.
func (item TSItem) Contains(pos float64) bool {
	return pos >= item.Start && pos < item.End()
}
