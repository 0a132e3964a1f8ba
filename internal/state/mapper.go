package state

// UpdateRecord is one path/value/source tuple from an ingestion source.
type UpdateRecord struct {
	Path   string `json:"path"`
	Value  any    `json:"value"`
	Source string `json:"source"`

	// Replace overwrites the subtree at Path instead of merging into it.
	Replace bool `json:"-"`
}

// PathMapper decides whether an update record belongs in the document.
type PathMapper struct {
	domains map[string]struct{}
}

// NewPathMapper accepts the given top-level domains, or Domains when none
// are passed.
func NewPathMapper(domains ...string) *PathMapper {
	if len(domains) == 0 {
		domains = Domains
	}
	m := &PathMapper{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		m.domains[d] = struct{}{}
	}
	return m
}

// Map returns the segments of path and true when its first segment is a
// known domain. The empty path maps to no segments and true: it is a valid
// record that changes nothing.
func (m *PathMapper) Map(path string) ([]string, bool) {
	segs := SplitDotPath(path)
	if len(segs) == 0 {
		return nil, true
	}
	_, ok := m.domains[segs[0]]
	return segs, ok
}

// Known reports whether domain is a top-level key this mapper accepts.
func (m *PathMapper) Known(domain string) bool {
	_, ok := m.domains[domain]
	return ok
}
