package services

import (
	"fmt"
	"sync"

	"github.com/mrnavastar/emuman/util"
)

// Guard serialises the operations that rewrite emulator or save directories:
// installs, save snapshots and restores, and firmware installs. A second caller
// does not wait; it gets ErrBusy naming the running operation.
type Guard struct {
	mu      sync.Mutex
	running string
}

func NewGuard() *Guard {
	return &Guard{}
}

func (g *Guard) Acquire(op string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running != "" {
		return nil, fmt.Errorf("%w: %s", util.ErrBusy, g.running)
	}
	g.running = op
	util.Log.Debug("operation started", util.Log.Args("op", op))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.running = ""
			g.mu.Unlock()
			util.Log.Debug("operation finished", util.Log.Args("op", op))
		})
	}, nil
}

// Running reports the operation in progress, or "".
func (g *Guard) Running() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
