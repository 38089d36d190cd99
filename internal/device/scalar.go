package device

// Scalar owns a single-element block plus a host shadow V. The two sides
// are only reconciled by the explicit copy methods; host code reads V.
type Scalar[T ~float32 | ~int32] struct {
	_ noCopy

	V   T
	buf *Buffer[T]
}

type (
	Number = Scalar[float32]
	Int    = Scalar[int32]
)

// NewScalar returns an uninitialised scalar bound to rt.
func NewScalar[T ~float32 | ~int32](rt *Runtime) *Scalar[T] {
	return &Scalar[T]{buf: NewBuffer[T](rt)}
}

// Init allocates the device cell. The cell starts at zero; V is untouched.
func (s *Scalar[T]) Init() error {
	return s.buf.Alloc(1)
}

// Ptr is the device address of the cell.
func (s *Scalar[T]) Ptr() Ptr {
	return s.buf.Ptr()
}

// CopyFromDeviceToHost refreshes V from the device cell.
func (s *Scalar[T]) CopyFromDeviceToHost() error {
	vals, err := s.buf.ToHost()
	if err != nil {
		return err
	}
	s.V = vals[0]
	return nil
}

// CopyFromHostToDevice writes V into the device cell.
func (s *Scalar[T]) CopyFromHostToDevice() error {
	if !s.buf.Initialized() {
		return fatal("scalar to device", ErrNotInitialized)
	}
	return copyToDevice(s.buf.rt, s.buf.ptr, []T{s.V})
}

func (s *Scalar[T]) Release() error {
	return s.buf.Release()
}
