// Package stack provides an in-memory networking stack used by tests and
// by the daemon's simulate mode.
package stack

import (
	"fmt"
	"sync"
	"time"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
)

// Entry is the stack-side view of one interface.
type Entry struct {
	Params   core.AttachParams
	Addr     core.LinkAddress
	Attached bool
	Detached bool
	Packets  uint64
	Bytes    uint64
	Errors   uint64
	Batches  uint64
}

// MockStack implements core.Stack in memory. Detach completions are
// delivered on a separate goroutine, optionally after DetachDelay, the
// way a real stack finishes detaching on its own thread.
type MockStack struct {
	mu      sync.Mutex
	next    core.Handle
	entries map[core.Handle]*Entry
	frames  map[core.Handle][][]byte

	allocErr  error
	attachErr error
	detachErr error
	inputErr  error

	detachDelay time.Duration
	attachHook  func(h core.Handle)
	detachHook  func(h core.Handle)

	released int
	wg       sync.WaitGroup
}

// NewMockStack creates an empty stack.
func NewMockStack() *MockStack {
	return &MockStack{
		next:    1,
		entries: make(map[core.Handle]*Entry),
		frames:  make(map[core.Handle][][]byte),
	}
}

// AllocateHandle reserves a handle for params.
func (s *MockStack) AllocateHandle(params core.AttachParams) (core.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocErr != nil {
		return 0, s.allocErr
	}
	h := s.next
	s.next++
	s.entries[h] = &Entry{Params: params}
	return h, nil
}

// Attach registers an allocated handle.
func (s *MockStack) Attach(h core.Handle, addr core.LinkAddress) error {
	s.mu.Lock()
	hook := s.attachHook
	s.mu.Unlock()
	if hook != nil {
		hook(h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	e, ok := s.entries[h]
	if !ok {
		return core.NewError("attach", core.ErrCodeNotFound, fmt.Sprintf("unknown handle %d", h))
	}
	if e.Attached {
		return core.NewError("attach", core.ErrCodeAlreadyExists, fmt.Sprintf("handle %d already attached", h))
	}
	e.Addr = addr
	e.Attached = true
	logging.Debugf("Stack attached %s (handle %d)", e.Params.Name, h)
	return nil
}

// Detach marks the interface detached and calls done from another goroutine.
func (s *MockStack) Detach(h core.Handle, done func()) error {
	s.mu.Lock()
	if s.detachErr != nil {
		err := s.detachErr
		s.mu.Unlock()
		return err
	}
	e, ok := s.entries[h]
	if !ok || !e.Attached {
		s.mu.Unlock()
		return core.NewError("detach", core.ErrCodeNotFound, fmt.Sprintf("handle %d not attached", h))
	}
	e.Attached = false
	e.Detached = true
	delay := s.detachDelay
	hook := s.detachHook
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		if hook != nil {
			hook(h)
		}
		done()
	}()
	return nil
}

// ReleaseHandle frees a handle.
func (s *MockStack) ReleaseHandle(h core.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[h]; ok {
		delete(s.entries, h)
		delete(s.frames, h)
		s.released++
	}
}

// Input records the chain and completes every packet in it.
func (s *MockStack) Input(h core.Handle, pkts []core.Packet, stats core.InputStats) error {
	defer func() {
		for _, p := range pkts {
			core.CompletePacket(p)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputErr != nil {
		return s.inputErr
	}
	e, ok := s.entries[h]
	if !ok || !e.Attached {
		return core.NewError("input", core.ErrCodeNotFound, fmt.Sprintf("handle %d not attached", h))
	}
	for _, p := range pkts {
		s.frames[h] = append(s.frames[h], append([]byte(nil), p.Data()...))
	}
	e.Packets += stats.Packets
	e.Bytes += stats.Bytes
	e.Errors += stats.Errors
	e.Batches++
	return nil
}

// Ioctl delivers cmd to the handler registered for h.
func (s *MockStack) Ioctl(h core.Handle, cmd core.IoctlCmd, req *core.IoctlRequest) error {
	s.mu.Lock()
	e, ok := s.entries[h]
	var handler core.IoctlHandler
	if ok {
		handler = e.Params.Ioctl
	}
	s.mu.Unlock()

	if handler == nil {
		return core.NewError("ioctl", core.ErrCodeNotFound, fmt.Sprintf("no handler for handle %d", h))
	}
	return handler.PerformIoctl(cmd, req)
}

// Lookup returns a copy of the entry for the interface called name.
func (s *MockStack) Lookup(name string) (core.Handle, Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.entries {
		if e.Params.Name == name {
			return h, *e, true
		}
	}
	return 0, Entry{}, false
}

// Frames returns copies of the payloads delivered for h.
func (s *MockStack) Frames(h core.Handle) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames[h]))
	for i, f := range s.frames[h] {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Attached returns the names of attached interfaces.
func (s *MockStack) Attached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.entries {
		if e.Attached {
			names = append(names, e.Params.Name)
		}
	}
	return names
}

// Handles returns the number of live handles.
func (s *MockStack) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Released returns how many handles were freed.
func (s *MockStack) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// FailAllocate makes AllocateHandle return err (nil clears it).
func (s *MockStack) FailAllocate(err error) { s.mu.Lock(); s.allocErr = err; s.mu.Unlock() }

// FailAttach makes Attach return err (nil clears it).
func (s *MockStack) FailAttach(err error) { s.mu.Lock(); s.attachErr = err; s.mu.Unlock() }

// FailDetach makes Detach return err (nil clears it).
func (s *MockStack) FailDetach(err error) { s.mu.Lock(); s.detachErr = err; s.mu.Unlock() }

// FailInput makes Input return err (nil clears it). Packets are still completed.
func (s *MockStack) FailInput(err error) { s.mu.Lock(); s.inputErr = err; s.mu.Unlock() }

// SetDetachDelay delays detach completions.
func (s *MockStack) SetDetachDelay(d time.Duration) { s.mu.Lock(); s.detachDelay = d; s.mu.Unlock() }

// OnAttach installs a hook run at the start of Attach, outside the lock.
func (s *MockStack) OnAttach(fn func(h core.Handle)) { s.mu.Lock(); s.attachHook = fn; s.mu.Unlock() }

// OnDetach installs a hook run on the completion goroutine before done.
func (s *MockStack) OnDetach(fn func(h core.Handle)) { s.mu.Lock(); s.detachHook = fn; s.mu.Unlock() }

// Wait blocks until all pending detach completions have been delivered.
func (s *MockStack) Wait() { s.wg.Wait() }

var _ core.Stack = (*MockStack)(nil)
