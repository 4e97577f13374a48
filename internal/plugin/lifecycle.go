package plugin

import (
	"errors"
	"fmt"
)

// State is a plugin lifecycle state.
type State int

const (
	StateConstructed State = iota
	StateShapeInferred
	StateCommitted
	StateInitialized
	StateTerminated
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateShapeInferred:
		return "shape_inferred"
	case StateCommitted:
		return "committed"
	case StateInitialized:
		return "initialized"
	case StateTerminated:
		return "terminated"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// lifecycle is the bookkeeping shared by every plugin kind.
type lifecycle struct {
	kind      string
	name      string
	namespace string
	state     State
}

func (l *lifecycle) Type() string           { return l.kind }
func (l *lifecycle) Version() string        { return Version }
func (l *lifecycle) Name() string           { return l.name }
func (l *lifecycle) Namespace() string      { return l.namespace }
func (l *lifecycle) SetNamespace(ns string) { l.namespace = ns }
func (l *lifecycle) State() State           { return l.state }
func (l *lifecycle) Outputs() int           { return 1 }

func (l *lifecycle) require(cond bool, format string, args ...any) {
	if !cond {
		panic(&ContractError{Plugin: l.label(), Msg: fmt.Sprintf(format, args...)})
	}
}

func (l *lifecycle) label() string {
	if l.name == "" {
		return l.kind
	}
	return l.kind + " " + l.name
}

func (l *lifecycle) alive() {
	l.require(l.state != StateDestroyed, "call on destroyed plugin")
}

func (l *lifecycle) shapeInferred() {
	l.alive()
	if l.state == StateConstructed {
		l.state = StateShapeInferred
	}
}

func (l *lifecycle) beginCommit() {
	l.alive()
	l.require(l.state != StateConstructed, "Configure called before InferShape")
	l.require(l.state != StateTerminated, "Configure called after Terminate")
}

// isCommitted reports whether shapes are fixed by a live commitment.
func (l *lifecycle) isCommitted() bool {
	return l.state == StateCommitted || l.state == StateInitialized
}

func (l *lifecycle) committed() {
	l.state = StateCommitted
}

func (l *lifecycle) initialize() {
	l.alive()
	l.require(l.state == StateCommitted || l.state == StateInitialized,
		"Initialize called in state %s", l.state)
	l.state = StateInitialized
}

func (l *lifecycle) beginExecute() {
	l.alive()
	l.require(l.state == StateCommitted || l.state == StateInitialized,
		"Enqueue called in state %s", l.state)
}

func (l *lifecycle) beginWorkspaceQuery() {
	l.alive()
	l.require(l.state == StateCommitted || l.state == StateInitialized,
		"WorkspaceSize called in state %s", l.state)
}

// terminate reports whether the caller must release resources.
func (l *lifecycle) terminate() bool {
	l.alive()
	if l.state == StateTerminated {
		return false
	}
	l.state = StateTerminated
	return true
}

func (l *lifecycle) destroy() {
	l.alive()
	l.state = StateDestroyed
}

// resources releases acquired device and backend state in reverse order of
// acquisition.
type resources struct {
	releases []func() error
}

func (r *resources) add(release func() error) {
	r.releases = append(r.releases, release)
}

func (r *resources) release() error {
	var errs []error
	for i := len(r.releases) - 1; i >= 0; i-- {
		if err := r.releases[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.releases = nil
	return errors.Join(errs...)
}

func (r *resources) empty() bool {
	return len(r.releases) == 0
}
