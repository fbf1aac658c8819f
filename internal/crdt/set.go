package crdt

import (
	"sort"

	"github.com/google/uuid"
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// ORSet is an observed-remove set. Each add carries a unique tag; a remove
// tombstones only the tags it has observed, so a concurrent add survives.
type ORSet struct {
	Adds    map[string]map[string]struct{} `json:"adds"`
	Removes map[string]map[string]struct{} `json:"removes"`
}

// NewORSet creates an empty OR-Set
func NewORSet() *ORSet {
	return &ORSet{
		Adds:    make(map[string]map[string]struct{}),
		Removes: make(map[string]map[string]struct{}),
	}
}

// Type implements State
func (s *ORSet) Type() model.CRDTType { return model.CRDTORSet }

// Add inserts element under tag. An empty tag gets a fresh uuid.
// It returns the tag used.
func (s *ORSet) Add(element, tag string) string {
	s.ensure()
	if tag == "" {
		tag = uuid.NewString()
	}
	tags, ok := s.Adds[element]
	if !ok {
		tags = make(map[string]struct{})
		s.Adds[element] = tags
	}
	tags[tag] = struct{}{}
	return tag
}

// Remove tombstones every add-tag of element observed by this replica and
// returns those tags, sorted.
func (s *ORSet) Remove(element string) []string {
	observed := s.Tags(element)
	s.RemoveTags(element, observed)
	return observed
}

// Tags returns every add-tag of element seen so far, sorted
func (s *ORSet) Tags(element string) []string {
	observed := make([]string, 0, len(s.Adds[element]))
	for tag := range s.Adds[element] {
		observed = append(observed, tag)
	}
	sort.Strings(observed)
	return observed
}

// RemoveTags tombstones specific tags of element
func (s *ORSet) RemoveTags(element string, tags []string) {
	if len(tags) == 0 {
		return
	}
	s.ensure()
	removed, ok := s.Removes[element]
	if !ok {
		removed = make(map[string]struct{})
		s.Removes[element] = removed
	}
	for _, tag := range tags {
		removed[tag] = struct{}{}
	}
}

// Contains reports whether element has an add-tag that is not tombstoned
func (s *ORSet) Contains(element string) bool {
	for tag := range s.Adds[element] {
		if _, gone := s.Removes[element][tag]; !gone {
			return true
		}
	}
	return false
}

// Elements returns the present elements, sorted
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.Adds))
	for element := range s.Adds {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	sort.Strings(out)
	return out
}

// Merge unions both the add and remove maps
func (s *ORSet) Merge(other *ORSet) {
	if other == nil {
		return
	}
	s.ensure()
	unionTags(s.Adds, other.Adds)
	unionTags(s.Removes, other.Removes)
}

// Clone returns a deep copy
func (s *ORSet) Clone() *ORSet {
	out := NewORSet()
	unionTags(out.Adds, s.Adds)
	unionTags(out.Removes, s.Removes)
	return out
}

func (s *ORSet) cloneState() State { return s.Clone() }

func (s *ORSet) ensure() {
	if s.Adds == nil {
		s.Adds = make(map[string]map[string]struct{})
	}
	if s.Removes == nil {
		s.Removes = make(map[string]map[string]struct{})
	}
}

func unionTags(dst, src map[string]map[string]struct{}) {
	for element, tags := range src {
		existing, ok := dst[element]
		if !ok {
			dst[element] = copySet(tags)
			continue
		}
		for tag := range tags {
			existing[tag] = struct{}{}
		}
	}
}

// TwoPhaseSet allows each element to be added and then removed once.
// Added and Removed stay disjoint; a removed element can never come back.
type TwoPhaseSet struct {
	Added   map[string]struct{} `json:"added"`
	Removed map[string]struct{} `json:"removed"`
}

// NewTwoPhaseSet creates an empty 2P-Set
func NewTwoPhaseSet() *TwoPhaseSet {
	return &TwoPhaseSet{
		Added:   make(map[string]struct{}),
		Removed: make(map[string]struct{}),
	}
}

// Type implements State
func (s *TwoPhaseSet) Type() model.CRDTType { return model.CRDTTwoPhaseSet }

// Add inserts element unless it was removed before; it reports success
func (s *TwoPhaseSet) Add(element string) bool {
	s.ensure()
	if _, removed := s.Removed[element]; removed {
		return false
	}
	s.Added[element] = struct{}{}
	return true
}

// Remove tombstones element and reports whether it was present.
// Tombstoning an element not yet seen is allowed so removes delivered
// before their add still converge.
func (s *TwoPhaseSet) Remove(element string) bool {
	s.ensure()
	_, present := s.Added[element]
	delete(s.Added, element)
	s.Removed[element] = struct{}{}
	return present
}

// Contains reports whether element is present
func (s *TwoPhaseSet) Contains(element string) bool {
	_, ok := s.Added[element]
	return ok
}

// Elements returns the present elements, sorted
func (s *TwoPhaseSet) Elements() []string {
	out := make([]string, 0, len(s.Added))
	for element := range s.Added {
		out = append(out, element)
	}
	sort.Strings(out)
	return out
}

// Merge unions both sides and re-applies tombstones
func (s *TwoPhaseSet) Merge(other *TwoPhaseSet) {
	if other == nil {
		return
	}
	s.ensure()
	for element := range other.Removed {
		s.Removed[element] = struct{}{}
	}
	for element := range other.Added {
		s.Added[element] = struct{}{}
	}
	for element := range s.Removed {
		delete(s.Added, element)
	}
}

// Clone returns a deep copy
func (s *TwoPhaseSet) Clone() *TwoPhaseSet {
	return &TwoPhaseSet{Added: copySet(s.Added), Removed: copySet(s.Removed)}
}

func (s *TwoPhaseSet) cloneState() State { return s.Clone() }

func (s *TwoPhaseSet) ensure() {
	if s.Added == nil {
		s.Added = make(map[string]struct{})
	}
	if s.Removed == nil {
		s.Removed = make(map[string]struct{})
	}
}
