package channel

import "sort"

// InterestSet counts subscriptions per pattern root. It is not safe for
// concurrent use.
type InterestSet struct {
	refs map[string]int
}

func NewInterestSet() *InterestSet {
	return &InterestSet{refs: make(map[string]int)}
}

// Acquire adds a reference to root and reports whether it is new.
func (s *InterestSet) Acquire(root string) bool {
	s.refs[root]++
	return s.refs[root] == 1
}

// Release drops a reference to root and reports whether it was the last one.
// Releasing an unknown root is a no-op that returns false.
func (s *InterestSet) Release(root string) bool {
	n, ok := s.refs[root]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.refs, root)
		return true
	}
	s.refs[root] = n - 1
	return false
}

func (s *InterestSet) Len() int { return len(s.refs) }

// Roots returns the distinct roots in lexical order.
func (s *InterestSet) Roots() []string {
	out := make([]string, 0, len(s.refs))
	for r := range s.refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Matcher answers "does anyone want this channel" from a set of interest
// roots. Transports use it to drop unwanted packets early. It is not safe
// for concurrent use.
type Matcher struct {
	exact    map[string]int
	prefixes map[string]int
}

func NewMatcher() *Matcher {
	return &Matcher{exact: make(map[string]int), prefixes: make(map[string]int)}
}

// Set enables or disables a root. Roots that do not parse are ignored.
func (m *Matcher) Set(root string, enabled bool) {
	p, err := Parse(root)
	if err != nil {
		return
	}
	table := m.exact
	if p.Kind() == PrefixWildcard {
		table = m.prefixes
	}
	key := p.Prefix()
	if enabled {
		table[key]++
		return
	}
	if table[key] <= 1 {
		delete(table, key)
		return
	}
	table[key]--
}

func (m *Matcher) Empty() bool { return len(m.exact) == 0 && len(m.prefixes) == 0 }

func (m *Matcher) Match(channel string) bool {
	if _, ok := m.exact[channel]; ok {
		return true
	}
	for prefix := range m.prefixes {
		if len(channel) >= len(prefix) && channel[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
