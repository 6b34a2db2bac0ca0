// Package sets provides a small generic set type over map[T]struct{}.
package sets

// Set is a set of comparable elements. Create one with Make or MakeWith.
type Set[T comparable] map[T]struct{}

// Make returns an empty set with capacity reserved for size elements.
func Make[T comparable](size int) Set[T] {
	return make(Set[T], size)
}

// MakeWith returns a set holding the given elements.
func MakeWith[T comparable](elems ...T) Set[T] {
	set := Make[T](len(elems))
	set.Insert(elems...)
	return set
}

// Insert adds elements to the set.
func (s Set[T]) Insert(elems ...T) {
	for _, elem := range elems {
		s[elem] = struct{}{}
	}
}

// Has reports whether elem is in the set.
func (s Set[T]) Has(elem T) bool {
	_, ok := s[elem]
	return ok
}

// Equal reports whether both sets hold exactly the same elements.
func (s Set[T]) Equal(other Set[T]) bool {
	if len(s) != len(other) {
		return false
	}
	for elem := range s {
		if !other.Has(elem) {
			return false
		}
	}
	return true
}
