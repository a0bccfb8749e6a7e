// Package browser manages a fixed-size pool of isolated headless browser
// sessions. Slots are stable integer identities with their own profile
// directories; the session living in a slot can be recreated any number
// of times without the slot changing hands. What runs inside a session is
// the automation script's business, not the pool's.
package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrAcquireTimeout is returned when no slot frees up within the caller's
// timeout.
var ErrAcquireTimeout = errors.New("browser pool: acquire timed out")

// ErrPoolClosed is returned for operations against a closed pool.
var ErrPoolClosed = errors.New("browser pool: closed")

// Session is one live browser session. Implementations wrap the actual
// automation driver; the pool only needs lifecycle control.
type Session interface {
	// Disconnected reports whether the underlying browser process is gone
	// or unreachable.
	Disconnected() bool
	// Close shuts the session down gracefully.
	Close(ctx context.Context) error
	// Kill force-terminates the underlying process.
	Kill() error
}

// Launcher creates sessions. Each launch for a slot must use that slot's
// profile directory so on-disk state stays isolated per lane.
type Launcher interface {
	Launch(ctx context.Context, slot int, profileDir string) (Session, error)
}

type slotState string

const (
	slotAvailable  slotState = "available"
	slotBusy       slotState = "busy"
	slotRecreating slotState = "recreating"
)

type slot struct {
	index      int
	profileDir string
	state      slotState
	session    Session
}

// Config tunes pool behavior. Zero values fall back to defaults.
type Config struct {
	Size            int
	ProfileRoot     string
	AcquirePoll     time.Duration // default 250ms
	RecreateBackoff time.Duration // default 30s
	CloseTimeout    time.Duration // per-session, default 15s
}

func (c *Config) applyDefaults() {
	if c.AcquirePoll <= 0 {
		c.AcquirePoll = 250 * time.Millisecond
	}
	if c.RecreateBackoff <= 0 {
		c.RecreateBackoff = 30 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 15 * time.Second
	}
}

// Pool is the fixed-size session pool.
type Pool struct {
	cfg      Config
	launcher Launcher

	mu          sync.Mutex
	slots       map[int]*slot
	available   []int // FIFO of slot indices, no duplicates
	bySession   map[Session]int
	closing     bool
	initialized bool
}

// NewPool returns an uninitialized pool; call Init before Acquire.
func NewPool(cfg Config, launcher Launcher) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:       cfg,
		launcher:  launcher,
		slots:     make(map[int]*slot),
		bySession: make(map[Session]int),
	}
}

func (p *Pool) profileDir(index int) string {
	return filepath.Join(p.cfg.ProfileRoot, fmt.Sprintf("profile_%d", index))
}

// Init launches every slot's session. Construction is all-or-nothing: if
// any launch fails, the sessions that did start are closed and the error
// is returned.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("browser pool already initialized")
	}
	p.mu.Unlock()

	launched := make([]*slot, 0, p.cfg.Size)
	for i := 1; i <= p.cfg.Size; i++ {
		sess, err := p.launcher.Launch(ctx, i, p.profileDir(i))
		if err != nil {
			for _, s := range launched {
				closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
				if cerr := s.session.Close(closeCtx); cerr != nil {
					s.session.Kill()
				}
				cancel()
			}
			return fmt.Errorf("launching slot %d: %w", i, err)
		}
		launched = append(launched, &slot{
			index:      i,
			profileDir: p.profileDir(i),
			state:      slotAvailable,
			session:    sess,
		})
	}

	p.mu.Lock()
	for _, s := range launched {
		p.slots[s.index] = s
		p.bySession[s.session] = s.index
		p.pushAvailableLocked(s.index)
	}
	p.initialized = true
	p.mu.Unlock()

	log.WithField("size", p.cfg.Size).Info("browser pool initialized")
	return nil
}

// pushAvailableLocked appends index to the available list unless it is
// already queued. Duplicate pushes would let two borrowers share a slot.
func (p *Pool) pushAvailableLocked(index int) {
	for _, i := range p.available {
		if i == index {
			return
		}
	}
	p.available = append(p.available, index)
	if s := p.slots[index]; s != nil {
		s.state = slotAvailable
	}
}

// Acquire pops the first available slot, recreating its session when the
// previous one has disconnected. It polls until a slot frees up or
// timeout elapses (ErrAcquireTimeout).
func (p *Pool) Acquire(timeout time.Duration) (Session, error) {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if !p.initialized {
			p.mu.Unlock()
			return nil, fmt.Errorf("browser pool not initialized")
		}
		if len(p.available) > 0 {
			index := p.available[0]
			p.available = p.available[1:]
			s := p.slots[index]
			s.state = slotBusy
			sess := s.session
			p.mu.Unlock()

			if !sess.Disconnected() {
				return sess, nil
			}
			recreated, err := p.recreate(index, sess)
			if err != nil {
				return nil, err
			}
			return recreated, nil
		}
		p.mu.Unlock()

		if remaining := time.Until(deadline); remaining <= 0 {
			return nil, ErrAcquireTimeout
		} else if remaining < p.cfg.AcquirePoll {
			time.Sleep(remaining)
		} else {
			time.Sleep(p.cfg.AcquirePoll)
		}
	}
}

// recreate replaces the session in a slot, preserving the slot index. On
// failure the slot is parked in recreating state and returned to the
// available list after a back-off, so one bad launch cannot permanently
// shrink the pool.
func (p *Pool) recreate(index int, old Session) (Session, error) {
	log.WithField("slot", index).Warn("browser session disconnected, recreating")
	old.Kill() // best effort; the process may already be gone

	sess, err := p.launcher.Launch(context.Background(), index, p.profileDir(index))

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[index]
	delete(p.bySession, old)

	if err != nil {
		s.session = nil
		s.state = slotRecreating
		backoff := p.cfg.RecreateBackoff
		time.AfterFunc(backoff, func() { p.reviveSlot(index) })
		return nil, fmt.Errorf("recreating slot %d: %w", index, err)
	}

	s.session = sess
	p.bySession[sess] = index
	return sess, nil
}

// reviveSlot retries the launch for a parked slot after its back-off.
func (p *Pool) reviveSlot(index int) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	s := p.slots[index]
	if s == nil || s.state != slotRecreating {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	sess, err := p.launcher.Launch(context.Background(), index, p.profileDir(index))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		if err == nil {
			go sess.Kill()
		}
		return
	}
	if err != nil {
		log.WithError(err).WithField("slot", index).Error("slot revival failed, backing off again")
		time.AfterFunc(p.cfg.RecreateBackoff, func() { p.reviveSlot(index) })
		return
	}
	s = p.slots[index]
	s.session = sess
	p.bySession[sess] = index
	p.pushAvailableLocked(index)
	log.WithField("slot", index).Info("browser slot revived")
}

// Release returns a session's slot to the available list. A disconnected
// session is recreated first; when recreation fails the slot goes through
// the same back-off path as Acquire's.
func (p *Pool) Release(sess Session) {
	p.mu.Lock()
	index, ok := p.bySession[sess]
	closing := p.closing
	p.mu.Unlock()
	if !ok {
		log.Warn("release of unknown browser session ignored")
		return
	}
	if closing {
		return
	}

	if sess.Disconnected() {
		if _, err := p.recreate(index, sess); err != nil {
			log.WithError(err).WithField("slot", index).Error("session recreation on release failed")
			return
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return
	}
	p.pushAvailableLocked(index)
}

// CloseAll shuts every session down, bounding each close with the
// configured timeout and killing on overrun. The closing flag suppresses
// disconnect-driven recreation for good; the pool cannot be reused.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	sessions := make([]Session, 0, len(p.slots))
	for _, s := range p.slots {
		if s.session != nil {
			sessions = append(sessions, s.session)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess Session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
			defer cancel()
			if err := sess.Close(ctx); err != nil {
				log.WithError(err).Warn("graceful close failed, killing session")
				sess.Kill()
			}
		}(sess)
	}
	wg.Wait()

	p.mu.Lock()
	p.slots = make(map[int]*slot)
	p.available = nil
	p.bySession = make(map[Session]int)
	p.initialized = false
	p.mu.Unlock()
	log.Info("browser pool closed")
}

// Status summarizes the pool for the dashboard.
type Status struct {
	Total       int  `json:"total"`
	Available   int  `json:"available"`
	Busy        int  `json:"busy"`
	Initialized bool `json:"initialized"`
}

// Status returns current slot counts.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Total: len(p.slots), Initialized: p.initialized}
	for _, s := range p.slots {
		switch s.state {
		case slotAvailable:
			st.Available++
		case slotBusy:
			st.Busy++
		}
	}
	return st
}
