// Package runner provides long-lived cooperative schedulers keyed by a sticky hash.
package runner

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

// MaxMessageRunners caps the message pool regardless of the configured worker count.
const MaxMessageRunners = 8

var ErrStopped = errors.New("runner pool stopped")

type Role int

const (
	RoleBackground Role = iota
	RoleMessage
)

func (r Role) String() string {
	switch r {
	case RoleBackground:
		return "background"
	case RoleMessage:
		return "message"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Unit is one piece of work. Units must report their own failures; the pool does not.
type Unit func()

// MessagePoolSize returns the message pool size for a worker cap.
func MessagePoolSize(maxMessageWorkers int) int {
	return min(max(maxMessageWorkers, 1), MaxMessageRunners)
}

// Pool holds one set of members per role. A key always maps to the same member. A member
// dispatches its units in submission order and lets them run concurrently, so a slow unit
// never holds up the others pinned to the same member.
type Pool struct {
	members map[Role][]*member
	log     *slog.Logger
	wg      sync.WaitGroup

	mu       sync.RWMutex
	stopOnce sync.Once
	stop     chan struct{}
}

type job struct {
	unit     Unit
	finished chan struct{}
}

type member struct {
	name  string
	mu    sync.Mutex
	queue []job
	wake  chan struct{}

	running sync.WaitGroup
}

// New starts backgroundSize background members and messageSize message members.
// Sizes below one are raised to one.
func New(backgroundSize, messageSize int, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		members: make(map[Role][]*member, 2),
		log:     log.With("component", "runner.pool"),
		stop:    make(chan struct{}),
	}
	p.spawn(RoleBackground, max(backgroundSize, 1))
	p.spawn(RoleMessage, max(messageSize, 1))
	return p
}

func (p *Pool) spawn(role Role, size int) {
	members := make([]*member, size)
	for i := range members {
		m := &member{
			name: fmt.Sprintf("%s-%d", role, i),
			wake: make(chan struct{}, 1),
		}
		members[i] = m
		p.wg.Add(1)
		go p.run(m)
	}
	p.members[role] = members
	p.log.Debug("runner members started", "role", role.String(), "size", size)
}

// Size returns the member count for role.
func (p *Pool) Size(role Role) int {
	return len(p.members[role])
}

// Index returns the member a key is pinned to.
func (p *Pool) Index(role Role, key string) int {
	return StickyIndex(key, p.Size(role))
}

// StickyIndex maps key onto [0, n) with 32-bit FNV-1a.
func StickyIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Submit queues unit on the member pinned to key. The returned channel closes when the unit
// has run, or when the pool stops before running it.
func (p *Pool) Submit(role Role, key string, unit Unit) (<-chan struct{}, error) {
	return p.submit(role, func(n int) int { return StickyIndex(key, n) }, unit)
}

// SubmitAt queues unit on member index (mod pool size). Long-lived units that must not share a
// member are spread with distinct indexes.
func (p *Pool) SubmitAt(role Role, index int, unit Unit) (<-chan struct{}, error) {
	return p.submit(role, func(n int) int { return ((index % n) + n) % n }, unit)
}

func (p *Pool) submit(role Role, pick func(n int) int, unit Unit) (<-chan struct{}, error) {
	members := p.members[role]
	if len(members) == 0 {
		return nil, fmt.Errorf("no %s runners", role)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.stop:
		return nil, ErrStopped
	default:
	}

	m := members[pick(len(members))]
	finished := make(chan struct{})

	m.mu.Lock()
	m.queue = append(m.queue, job{unit: unit, finished: finished})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	return finished, nil
}

// Stop asks members to exit. Units already dispatched keep running; units not yet dispatched
// are released unrun.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.stop)
		p.mu.Unlock()
	})
}

// Wait blocks until every member has exited and every dispatched unit has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(m *member) {
	defer p.wg.Done()
	defer m.running.Wait()

	for {
		next, ok := p.next(m)
		if !ok {
			return
		}
		m.running.Add(1)
		go func() {
			defer m.running.Done()
			defer close(next.finished)
			next.unit()
		}()
	}
}

func (p *Pool) next(m *member) (job, bool) {
	for {
		select {
		case <-p.stop:
			m.mu.Lock()
			dropped := m.queue
			m.queue = nil
			m.mu.Unlock()
			for _, j := range dropped {
				close(j.finished)
			}
			if len(dropped) > 0 {
				p.log.Warn("runner stopped with queued work", "member", m.name, "dropped", len(dropped))
			}
			return job{}, false
		default:
		}

		m.mu.Lock()
		if len(m.queue) > 0 {
			item := m.queue[0]
			m.queue[0] = job{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return item, true
		}
		m.mu.Unlock()

		select {
		case <-p.stop:
		case <-m.wake:
		}
	}
}
