package tournament

// Ring is a fixed-capacity FIFO. Pushing onto a full ring drops the oldest
// item.
type Ring[T any] struct {
	items []T
	start int
	n     int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	if r.n < len(r.items) {
		r.items[(r.start+r.n)%len(r.items)] = v
		r.n++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

func (r *Ring[T]) Len() int { return r.n }

func (r *Ring[T]) Cap() int { return len(r.items) }

func (r *Ring[T]) Full() bool { return r.n == len(r.items) }

// Items returns the contents oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}
