// Package handles implements per-thread handle areas: bounded regions of
// transient object references released wholesale when a boundary exits.
package handles

// Area is a stack of handles owned by one thread. It is not safe for
// concurrent use.
type Area struct {
	values []any
	forbid int
	fail   func(msg string)
}

// NewArea creates an empty area. fail is called when a handle is allocated
// while allocation is forbidden; it may be nil.
func NewArea(fail func(msg string)) *Area {
	return &Area{fail: fail}
}

// Handle refers to one slot of an Area.
type Handle struct {
	area  *Area
	index int
}

// New allocates a handle for v.
func (a *Area) New(v any) Handle {
	if a.forbid > 0 {
		if a.fail != nil {
			a.fail("handle allocated under a no-handle mark")
		}
		return Handle{}
	}
	a.values = append(a.values, v)
	return Handle{area: a, index: len(a.values) - 1}
}

// Len returns the number of live handles.
func (a *Area) Len() int { return len(a.values) }

// Value returns the referenced value, or nil for a released or zero handle.
func (h Handle) Value() any {
	if h.area == nil || h.index >= len(h.area.values) {
		return nil
	}
	return h.area.values[h.index]
}

// IsNil reports whether the handle refers to nothing.
func (h Handle) IsNil() bool { return h.Value() == nil }

// Mark remembers the top of an area.
type Mark struct {
	area *Area
	top  int
}

// Mark returns a mark at the current top.
func (a *Area) Mark() Mark {
	return Mark{area: a, top: len(a.values)}
}

// Release frees every handle allocated since the mark was taken.
func (m Mark) Release() {
	a := m.area
	if a == nil || m.top > len(a.values) {
		return
	}
	clear(a.values[m.top:])
	a.values = a.values[:m.top]
}

// Forbid makes allocation fail until the returned function is called.
// Scopes nest.
func (a *Area) Forbid() (restore func()) {
	a.forbid++
	return func() { a.forbid-- }
}

// Allow lifts any enclosing Forbid until the returned function is called,
// for runtime entries reached from inside a forbidden region.
func (a *Area) Allow() (restore func()) {
	saved := a.forbid
	a.forbid = 0
	return func() { a.forbid = saved }
}

// Forbidden reports whether allocation is currently forbidden.
func (a *Area) Forbidden() bool { return a.forbid > 0 }
