package device

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/logger"
)

type launch struct {
	name    string
	fn      func()
	done    chan struct{}
	cleanup bool // runs even after a fault
}

// Stream executes launches in submission order on a single goroutine.
// The host observes completion only through Synchronize. A panic inside a
// launch becomes a sticky fatal error: later launches are dropped and every
// Synchronize reports it.
type Stream struct {
	queue   chan launch
	workers int
	log     logger.Logger

	mu       sync.Mutex
	err      error
	launched int64
	closed   bool
	wg       sync.WaitGroup

	// sendMu keeps close from racing a send on queue.
	sendMu sync.RWMutex
}

func newStream(workers int, log logger.Logger) *Stream {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	s := &Stream{
		queue:   make(chan launch, 64),
		workers: workers,
		log:     log.With("component", "stream"),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Stream) run() {
	defer s.wg.Done()
	for l := range s.queue {
		if l.fn != nil && (l.cleanup || s.Err() == nil) {
			s.exec(l)
		}
		if l.done != nil {
			close(l.done)
		}
	}
}

func (s *Stream) exec(l launch) {
	defer func() {
		if rec := recover(); rec != nil {
			err := launchError(l.name, rec)
			s.log.Error("launch failed", "kernel", l.name, "error", err)
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}()
	l.fn()
}

func launchError(name string, rec any) error {
	if err, ok := rec.(error); ok {
		return fatal(name, fmt.Errorf("kernel execution failed: %w", err))
	}
	return fatal(name, fmt.Errorf("kernel execution failed: %v", rec))
}

// Launch enqueues fn. It returns the sticky error, if any, without
// enqueueing.
func (s *Stream) Launch(name string, fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fatal(name, ErrClosed)
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.launched++
	s.mu.Unlock()
	return s.send(launch{name: name, fn: fn})
}

// Defer enqueues a cleanup fn that runs in order even after the stream has
// faulted. On a faulted or closed stream no kernel will run again, so fn
// runs at once on the caller's goroutine.
func (s *Stream) Defer(name string, fn func()) error {
	s.mu.Lock()
	idle := s.closed || s.err != nil
	if !idle {
		s.launched++
	}
	s.mu.Unlock()
	if idle {
		return guard(name, fn)
	}
	if err := s.send(launch{name: name, fn: fn, cleanup: true}); err != nil {
		return guard(name, fn)
	}
	return nil
}

// Synchronize blocks until every launch submitted so far has finished.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return fatal("synchronize", ErrClosed)
	}
	s.mu.Unlock()
	done := make(chan struct{})
	if err := s.send(launch{name: "synchronize", done: done}); err != nil {
		return err
	}
	<-done
	return s.Err()
}

func (s *Stream) send(l launch) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.isClosed() {
		return fatal(l.name, ErrClosed)
	}
	s.queue <- l
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the sticky launch error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Launched reports how many launches have been accepted.
func (s *Stream) Launched() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched
}

// Grid runs fn for every block in [0, n) across the stream's workers.
// Blocks must write disjoint memory. Must only be called from inside a
// launch; a panicking block aborts the launch.
func (s *Stream) Grid(n int, fn func(block int)) {
	if n <= 0 {
		return
	}
	if n == 1 || s.workers == 1 {
		for b := range n {
			fn(b)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(s.workers)
	for b := range n {
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					if e, ok := rec.(error); ok {
						err = e
					} else {
						err = fmt.Errorf("%v", rec)
					}
				}
			}()
			fn(b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}
}

func (s *Stream) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.sendMu.Lock()
	close(s.queue)
	s.sendMu.Unlock()
	s.wg.Wait()
	return s.Err()
}
