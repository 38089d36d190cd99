package device

import "unsafe"

// Elem is the set of element types a Buffer can hold.
type Elem interface {
	~float32 | ~int32 | ~bool | ~uint64
}

func sizeOf[T Elem]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// View returns n elements of device memory starting at p. Views are only
// valid inside a stream launch or after a synchronising transfer.
func View[T Elem](rt *Runtime, p Ptr, n int) []T {
	if n == 0 {
		return nil
	}
	raw := rt.heap.resolve(p, n*sizeOf[T]())
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}

func (rt *Runtime) Float32s(p Ptr, n int) []float32 {
	return View[float32](rt, p, n)
}

func (rt *Runtime) Int32s(p Ptr, n int) []int32 {
	return View[int32](rt, p, n)
}

func (rt *Runtime) Bools(p Ptr, n int) []bool {
	return View[bool](rt, p, n)
}

func (rt *Runtime) Ptrs(p Ptr, n int) []Ptr {
	return View[Ptr](rt, p, n)
}
