package mask

import (
	"slices"
	"sync"
	"time"
)

// State is what the overlay currently shows.
type State struct {
	Visible bool
	Label   string
}

// Controller drives a short-lived overlay. The latest Show wins; nothing queues.
// It never blocks callers and never gates input.
type Controller struct {
	mu        sync.Mutex
	state     State
	gen       uint64
	timer     *time.Timer
	listeners []func(State)
	afterFunc func(time.Duration, func()) *time.Timer
}

// New returns a hidden mask.
func New() *Controller {
	return &Controller{afterFunc: time.AfterFunc}
}

// Subscribe registers fn for every visibility or label change.
func (c *Controller) Subscribe(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Show displays label and clears it after d unless another Show supersedes it.
func (c *Controller) Show(label string, d time.Duration) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = State{Visible: true, Label: label}
	if d > 0 {
		c.timer = c.afterFunc(d, func() { c.expire(gen) })
	} else {
		c.timer = nil
	}
	st, ls := c.state, c.snapshotListeners()
	c.mu.Unlock()
	notify(ls, st)
}

// Clear hides the overlay now.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.state.Visible {
		c.mu.Unlock()
		return
	}
	c.state = State{}
	st, ls := c.state, c.snapshotListeners()
	c.mu.Unlock()
	notify(ls, st)
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = State{}
	st, ls := c.state, c.snapshotListeners()
	c.mu.Unlock()
	notify(ls, st)
}

func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Visible
}

func (c *Controller) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Label
}

// State returns the mask visibility and label together.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) snapshotListeners() []func(State) {
	return slices.Clone(c.listeners)
}

func notify(ls []func(State), st State) {
	for _, fn := range ls {
		fn(st)
	}
}
