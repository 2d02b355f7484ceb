package vm

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// getGoroutineID returns the current goroutine's ID by parsing the stack.
// This is a workaround since Go doesn't expose goroutine IDs directly.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack starts with "goroutine <id> [...]"
	s := string(buf[:n])
	s = strings.TrimPrefix(s, "goroutine ")
	idx := strings.Index(s, " ")
	if idx > 0 {
		s = s[:idx]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// reentrantMutex is a mutex the same goroutine may acquire recursively.
// The heap needs this: host code invoked during a collection may
// allocate, which re-enters the allocator lock.
type reentrantMutex struct {
	mu    sync.Mutex
	owner int64
	depth int

	state sync.Mutex // protects owner and depth
}

func (m *reentrantMutex) Lock() {
	gid := getGoroutineID()

	m.state.Lock()
	if m.owner == gid && m.depth > 0 {
		m.depth++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	m.mu.Lock()

	m.state.Lock()
	m.owner = gid
	m.depth = 1
	m.state.Unlock()
}

func (m *reentrantMutex) Unlock() {
	m.state.Lock()
	if m.depth == 0 {
		m.state.Unlock()
		panic("reentrantMutex: unlock of unlocked mutex")
	}
	m.depth--
	release := m.depth == 0
	if release {
		m.owner = 0
	}
	m.state.Unlock()

	if release {
		m.mu.Unlock()
	}
}
