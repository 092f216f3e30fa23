package ptr

func Of[T any](v T) *T {
	return &v
}

// ValueOr dereferences p, falling back to def when p is nil.
func ValueOr[T any](p *T, def T) T {
	if nil == p {
		return def
	}
	return *p
}
