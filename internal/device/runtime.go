package device

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/logger"
)

const bytesPerGB = 1 << 30

// Config describes a device session.
type Config struct {
	DeviceID int
	// MemoryGB caps the device heap. Zero leaves it unbounded.
	MemoryGB float64
	// Workers bounds block parallelism inside a launch. Zero means GOMAXPROCS.
	Workers int
	// Seed drives dropout masks.
	Seed uint64
	// StrictBounds faults on any access past the size a block was
	// requested with, instead of past its size class.
	StrictBounds bool
}

// Runtime owns the device context for one process: heap, pool and the
// single compute stream. Create it once with Init and tear it down with
// Close after every buffer has been released.
type Runtime struct {
	id     uuid.UUID
	cfg    Config
	log    logger.Logger
	heap   *heap
	pool   *Pool
	stream *Stream

	rngMu sync.Mutex
	rng   *rand.Rand

	closeOnce sync.Once
	closeErr  error
}

// Init sets up the device context.
func Init(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DeviceID < 0 {
		return nil, fmt.Errorf("invalid device id %d", cfg.DeviceID)
	}
	if cfg.MemoryGB < 0 {
		return nil, fmt.Errorf("invalid memory budget %.2f GB", cfg.MemoryGB)
	}
	id := uuid.New()
	log := logger.FromContext(ctx).With("session", id.String(), "device", cfg.DeviceID)

	h := newHeap(int64(cfg.MemoryGB * bytesPerGB))
	h.strict = cfg.StrictBounds
	rt := &Runtime{
		id:     id,
		cfg:    cfg,
		log:    log,
		heap:   h,
		pool:   newPool(h, log),
		stream: newStream(cfg.Workers, log),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	log.Info("device initialised", "memory_gb", cfg.MemoryGB, "workers", rt.stream.workers, "strict_bounds", cfg.StrictBounds)
	return rt, nil
}

func (rt *Runtime) ID() uuid.UUID { return rt.id }
func (rt *Runtime) Config() Config { return rt.cfg }
func (rt *Runtime) Logger() logger.Logger { return rt.log }
func (rt *Runtime) Pool() *Pool { return rt.pool }
func (rt *Runtime) Stream() *Stream { return rt.stream }
func (rt *Runtime) Synchronize() error { return rt.stream.Synchronize() }
func (rt *Runtime) Grid(n int, fn func(int)) { rt.stream.Grid(n, fn) }

// Launch enqueues a kernel body on the compute stream.
func (rt *Runtime) Launch(name string, fn func()) error {
	return rt.stream.Launch(name, fn)
}

// Malloc allocates raw device memory through the pool.
func (rt *Runtime) Malloc(size int) (Ptr, error) {
	return rt.pool.Malloc(size)
}

// Free returns raw device memory to the pool.
func (rt *Runtime) Free(p Ptr) error {
	return rt.pool.Free(p)
}

// Uniform fills dst with uniform values in [0, 1).
func (rt *Runtime) Uniform(dst []float32) {
	rt.rngMu.Lock()
	defer rt.rngMu.Unlock()
	for i := range dst {
		dst[i] = rt.rng.Float32()
	}
}

// Close drains the stream and shuts the pool. Blocks still owned by a
// buffer are reported as leaks.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		err := rt.stream.close()
		leaked, leakedBytes := rt.pool.close()
		if leaked > 0 {
			rt.log.Warn("device blocks leaked at shutdown", "blocks", leaked, "bytes", leakedBytes)
		}
		stats := rt.pool.Stats()
		rt.log.Info("device closed",
			"launches", rt.stream.Launched(),
			"allocs", stats.Allocs,
			"pool_hits", stats.Hits,
			"peak_bytes", stats.PeakInUseBytes,
		)
		rt.closeErr = err
	})
	return rt.closeErr
}
