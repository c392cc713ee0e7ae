package window

// Set is an insertion-ordered set of strings.
type Set struct {
	order []string
	index map[string]struct{}
}

func NewSet(items ...string) *Set {
	s := &Set{index: make(map[string]struct{}, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add reports whether item was new.
func (s *Set) Add(item string) bool {
	if _, ok := s.index[item]; ok {
		return false
	}
	s.index[item] = struct{}{}
	s.order = append(s.order, item)
	return true
}

func (s *Set) Has(item string) bool {
	_, ok := s.index[item]
	return ok
}

func (s *Set) Len() int {
	return len(s.order)
}

func (s *Set) Items() []string {
	return append([]string{}, s.order...)
}
