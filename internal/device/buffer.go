package device

import (
	"errors"
	"fmt"
)

// noCopy makes `go vet` reject copies of the struct that embeds it.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Buffer owns exactly one pool block holding Len elements of T. It must
// only be passed by pointer: a Buffer is the sole owner of its block and
// there is no way to duplicate or transfer that ownership.
type Buffer[T Elem] struct {
	_ noCopy

	rt  *Runtime
	ptr Ptr
	len int
}

type (
	NumberBuffer  = Buffer[float32]
	BoolBuffer    = Buffer[bool]
	IntBuffer     = Buffer[int32]
	PointerBuffer = Buffer[Ptr]
)

// NewBuffer returns an uninitialised buffer bound to rt.
func NewBuffer[T Elem](rt *Runtime) *Buffer[T] {
	return &Buffer[T]{rt: rt}
}

// FromHost allocates a buffer and copies host into it.
func FromHost[T Elem](rt *Runtime, host []T) (*Buffer[T], error) {
	b := NewBuffer[T](rt)
	if err := b.Init(host); err != nil {
		return nil, err
	}
	return b, nil
}

// Zeros allocates a zero-filled buffer of n elements.
func Zeros[T Elem](rt *Runtime, n int) (*Buffer[T], error) {
	b := NewBuffer[T](rt)
	if err := b.Alloc(n); err != nil {
		return nil, err
	}
	return b, nil
}

// Init allocates len(host) elements, releasing any block held before, and
// copies host device-ward.
func (b *Buffer[T]) Init(host []T) error {
	if err := b.Alloc(len(host)); err != nil {
		return err
	}
	return copyToDevice(b.rt, b.ptr, host)
}

// Alloc allocates n elements without copying anything in. The kernel that
// consumes the buffer is expected to populate it.
func (b *Buffer[T]) Alloc(n int) error {
	if n < 0 {
		return fatal("buffer init", fmt.Errorf("negative length %d", n))
	}
	if err := b.Release(); err != nil {
		return err
	}
	ptr, err := b.rt.pool.Malloc(n * sizeOf[T]())
	if err != nil {
		return err
	}
	b.ptr = ptr
	b.len = n
	return nil
}

// ToHost copies the whole buffer back after synchronising the stream.
func (b *Buffer[T]) ToHost() ([]T, error) {
	if b.ptr == 0 {
		return nil, fatal("buffer to host", ErrNotInitialized)
	}
	out := make([]T, b.len)
	if err := copyToHost(b.rt, out, b.ptr); err != nil {
		return nil, err
	}
	return out, nil
}

// Release waits for queued launches and hands the block back to the pool.
// Releasing an uninitialised buffer is a no-op.
func (b *Buffer[T]) Release() error {
	if b.ptr == 0 {
		return nil
	}
	ptr := b.ptr
	b.ptr = 0
	b.len = 0
	syncErr := b.rt.stream.Synchronize()
	if errors.Is(syncErr, ErrClosed) {
		syncErr = nil
	}
	if err := b.rt.pool.Free(ptr); err != nil {
		return err
	}
	return syncErr
}

func (b *Buffer[T]) Ptr() Ptr {
	return b.ptr
}

func (b *Buffer[T]) Len() int {
	return b.len
}

func (b *Buffer[T]) Initialized() bool {
	return b.ptr != 0
}

// At returns the device address of element i.
func (b *Buffer[T]) At(i int) Ptr {
	return b.ptr.AddBytes(i * sizeOf[T]())
}
