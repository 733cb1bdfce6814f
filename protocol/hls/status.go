package hls

// Status is a point-in-time view of a player, for display.
type Status struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	Position      float64 `json:"position"`
	Ready         bool    `json:"ready"`
	Rate          float64 `json:"rate"`
	Playing       bool    `json:"playing"`
	Stalled       bool    `json:"stalled"`
	Live          bool    `json:"live"`
	BufferedStart float64 `json:"buffered_start"`
	BufferedEnd   float64 `json:"buffered_end"`
	BufferedBytes int     `json:"buffered_bytes"`
	Segments      int     `json:"segments"` // downloaded so far
	LastError     string  `json:"last_error,omitempty"`
}

// Ahead returns how many seconds are buffered past the position.
func (s Status) Ahead() float64 {
	if s.BufferedEnd <= s.Position {
		return 0
	}
	return s.BufferedEnd - s.Position
}
