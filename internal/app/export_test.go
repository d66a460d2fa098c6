package app

// VersionEntries reports how many sessions carry a cache generation.
func (s *SessionService) VersionEntries() int {
	n := 0
	s.versions.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
