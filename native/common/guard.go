package common

import (
	"errors"
	"fmt"
	"sync"
)

// ErrModulePaused is returned by Guard when the module's breaker is tripped.
var ErrModulePaused = errors.New("module paused")

// PauseView reports per-module circuit breaker state.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused, naming the module, when p reports it
// paused. A nil view or an unnamed module is never paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

// Pauses is a mutable PauseView safe for concurrent use.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// Set trips or resets the breaker for module.
func (p *Pauses) Set(module string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]bool)
	}
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}

func (p *Pauses) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}
