package device

import "fmt"

// copyToDevice is a synchronous host-to-device copy: queued launches finish
// first, then the bytes land.
func copyToDevice[T Elem](rt *Runtime, dst Ptr, src []T) error {
	if err := rt.stream.Synchronize(); err != nil {
		return err
	}
	return guard("memcpy h2d", func() {
		copy(View[T](rt, dst, len(src)), src)
	})
}

func copyToHost[T Elem](rt *Runtime, dst []T, src Ptr) error {
	if err := rt.stream.Synchronize(); err != nil {
		return err
	}
	return guard("memcpy d2h", func() {
		copy(dst, View[T](rt, src, len(dst)))
	})
}

// guard turns a device fault raised on the host side into a fatal error.
func guard(op string, fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = fatal(op, e)
				return
			}
			err = fatal(op, fmt.Errorf("%v", rec))
		}
	}()
	fn()
	return nil
}

// CopyToDevice writes src to the device at dst.
func CopyToDevice[T Elem](rt *Runtime, dst Ptr, src []T) error {
	return copyToDevice(rt, dst, src)
}

// CopyToHost fills dst from the device at src.
func CopyToHost[T Elem](rt *Runtime, dst []T, src Ptr) error {
	return copyToHost(rt, dst, src)
}

// Stage copies host values into a pool block asynchronously: the copy is
// ordered on the stream, so a launch enqueued afterwards sees the values.
// The returned block must be freed with FreeAsync once the consumer has
// been enqueued.
func Stage[T Elem](rt *Runtime, src []T) (Ptr, error) {
	p, err := rt.pool.Malloc(len(src) * sizeOf[T]())
	if err != nil {
		return 0, err
	}
	vals := append([]T(nil), src...)
	if err := rt.stream.Launch("stage", func() {
		copy(View[T](rt, p, len(vals)), vals)
	}); err != nil {
		_ = rt.pool.Free(p)
		return 0, err
	}
	return p, nil
}

// FreeAsync returns p to the pool once every launch queued before it has
// run. The free is not dropped by a fault, so staged blocks are never
// stranded.
func FreeAsync(rt *Runtime, p Ptr) error {
	return rt.stream.Defer("free", func() {
		if err := rt.pool.Free(p); err != nil {
			panic(err)
		}
	})
}

// CopyFromHostToDevice copies dim elements of each src[i] to dst[i].
func CopyFromHostToDevice(rt *Runtime, src [][]float32, dst []Ptr, dim int) error {
	if len(src) != len(dst) {
		return fmt.Errorf("copy host to device: %d sources for %d destinations", len(src), len(dst))
	}
	if err := rt.stream.Synchronize(); err != nil {
		return err
	}
	return guard("memcpy h2d", func() {
		for i := range src {
			copy(rt.Float32s(dst[i], dim), src[i][:dim])
		}
	})
}

// CopyFromDeviceToHost copies dim elements of each src[i] into dst[i].
func CopyFromDeviceToHost(rt *Runtime, src []Ptr, dst [][]float32, dim int) error {
	if len(src) != len(dst) {
		return fmt.Errorf("copy device to host: %d sources for %d destinations", len(src), len(dst))
	}
	if err := rt.stream.Synchronize(); err != nil {
		return err
	}
	return guard("memcpy d2h", func() {
		for i := range src {
			copy(dst[i][:dim], rt.Float32s(src[i], dim))
		}
	})
}

// CopyFromMultiVectorsToOneVector gathers dim elements from each src[i]
// into dst[i*dim : (i+1)*dim].
func CopyFromMultiVectorsToOneVector(rt *Runtime, src []Ptr, dst Ptr, dim int) error {
	srcs := append([]Ptr(nil), src...)
	return rt.stream.Launch("gather_vectors", func() {
		out := rt.Float32s(dst, len(srcs)*dim)
		rt.Grid(len(srcs), func(i int) {
			copy(out[i*dim:(i+1)*dim], rt.Float32s(srcs[i], dim))
		})
	})
}

// CopyFromOneVectorToMultiVals scatters src[i*dim : (i+1)*dim] into dst[i].
func CopyFromOneVectorToMultiVals(rt *Runtime, src Ptr, dst []Ptr, dim int) error {
	dsts := append([]Ptr(nil), dst...)
	return rt.stream.Launch("scatter_vectors", func() {
		in := rt.Float32s(src, len(dsts)*dim)
		rt.Grid(len(dsts), func(i int) {
			copy(rt.Float32s(dsts[i], dim), in[i*dim:(i+1)*dim])
		})
	})
}

// Memset fills n numeric elements at p with v.
func Memset(rt *Runtime, p Ptr, n int, v float32) error {
	return rt.stream.Launch("memset", func() {
		vals := rt.Float32s(p, n)
		for i := range vals {
			vals[i] = v
		}
	})
}

// MemsetBool fills n booleans at p with v.
func MemsetBool(rt *Runtime, p Ptr, n int, v bool) error {
	return rt.stream.Launch("memset_bool", func() {
		vals := rt.Bools(p, n)
		for i := range vals {
			vals[i] = v
		}
	})
}

// BatchMemset fills dims[i] elements at ptrs[i] with v.
func BatchMemset(rt *Runtime, ptrs []Ptr, dims []int, v float32) error {
	if len(ptrs) != len(dims) {
		return fmt.Errorf("batch memset: %d pointers for %d dims", len(ptrs), len(dims))
	}
	ps := append([]Ptr(nil), ptrs...)
	ds := append([]int(nil), dims...)
	return rt.stream.Launch("batch_memset", func() {
		rt.Grid(len(ps), func(i int) {
			vals := rt.Float32s(ps[i], ds[i])
			for j := range vals {
				vals[j] = v
			}
		})
	})
}

// CopyBytesToHost fills dst with the raw bytes at src.
func CopyBytesToHost(rt *Runtime, dst []byte, src Ptr) error {
	if err := rt.stream.Synchronize(); err != nil {
		return err
	}
	return guard("memcpy d2h", func() {
		copy(dst, rt.heap.resolve(src, len(dst)))
	})
}
