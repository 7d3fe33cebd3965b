package throttle

// ring is a fixed-capacity buffer that silently evicts its oldest element
type ring[T any] struct {
	items []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

// newestFirst calls fn from the newest element back until fn returns false
func (r *ring[T]) newestFirst(fn func(*T) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(&r.items[(r.start+i)%len(r.items)]) {
			return
		}
	}
}

// find returns the newest element matching pred
func (r *ring[T]) find(pred func(*T) bool) *T {
	var found *T
	r.newestFirst(func(v *T) bool {
		if pred(v) {
			found = v
			return false
		}
		return true
	})
	return found
}
