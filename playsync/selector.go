package playsync

// MasterSelector holds the index of the reference stream. It is not safe for
// concurrent use; Controller guards it with its own lock.
type MasterSelector struct {
	count int
	index int
}

func NewMasterSelector(count int) *MasterSelector {
	return &MasterSelector{count: count}
}

// Set switches the master. Out-of-range indexes are rejected and the
// previous master is kept.
func (s *MasterSelector) Set(index int) error {
	if index < 0 || index >= s.count {
		return ErrInvalidMasterIndex
	}
	s.index = index
	return nil
}

func (s *MasterSelector) Index() int {
	return s.index
}

func (s *MasterSelector) IsMaster(index int) bool {
	return index == s.index
}

func (s *MasterSelector) Count() int {
	return s.count
}
