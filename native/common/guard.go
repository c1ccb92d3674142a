package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module has been switched off by the operator.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects state transitions for paused modules.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPauses is a fixed set of paused module names.
type StaticPauses map[string]bool

// IsPaused implements PauseView.
func (s StaticPauses) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	return s[module]
}
