package lifecycle

func (m *Manager) CachedIndicesForTest() int {
	if m.cache == nil {
		return 0
	}
	return m.cache.len()
}
