// lifecycle/lifecycle.go
package lifecycle

import (
	"errors"
	"sync"
)

// 生命周期阶段接口
type Phase interface {
	OnEnter()
	OnExit()
	GetID() string
}

// ErrTransitionNotAllowed is returned when a phase change is refused.
var ErrTransitionNotAllowed = errors.New("phase transition not allowed")

// Machine tracks the current phase and the guarded transitions between phases.
type Machine interface {
	ChangePhase(phase Phase) error
	GetCurrentPhase() Phase
	AddTransition(from Phase, to Phase, condition func() bool) error
}

// 基础状态机实现
type BaseMachine struct {
	currentPhase Phase
	transitions  map[string]map[string]func() bool // fromPhase -> toPhase -> condition
	mutex        sync.RWMutex
}

func NewBaseMachine(initial Phase) *BaseMachine {
	machine := &BaseMachine{
		currentPhase: initial,
		transitions:  make(map[string]map[string]func() bool),
	}
	initial.OnEnter()
	return machine
}

// ChangePhase moves to phase. Changing to the current phase is a no-op.
func (m *BaseMachine) ChangePhase(phase Phase) error {
	m.mutex.Lock()
	current := m.currentPhase
	if current.GetID() == phase.GetID() {
		m.mutex.Unlock()
		return nil
	}

	if conditions, exists := m.transitions[current.GetID()]; exists {
		if condition, exists := conditions[phase.GetID()]; exists {
			if condition != nil && !condition() {
				m.mutex.Unlock()
				return ErrTransitionNotAllowed
			}
		}
	}
	m.currentPhase = phase
	m.mutex.Unlock()

	// hooks run unlocked so they may query the machine
	current.OnExit()
	phase.OnEnter()
	return nil
}

func (m *BaseMachine) GetCurrentPhase() Phase {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.currentPhase
}

func (m *BaseMachine) AddTransition(from Phase, to Phase, condition func() bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	fromID := from.GetID()
	toID := to.GetID()

	if _, exists := m.transitions[fromID]; !exists {
		m.transitions[fromID] = make(map[string]func() bool)
	}

	m.transitions[fromID][toID] = condition
	return nil
}

// FuncPhase is a phase whose hooks are plain funcs; nil hooks are skipped.
type FuncPhase struct {
	ID    string
	Enter func()
	Exit  func()
}

func (p *FuncPhase) GetID() string {
	return p.ID
}

func (p *FuncPhase) OnEnter() {
	if p.Enter != nil {
		p.Enter()
	}
}

func (p *FuncPhase) OnExit() {
	if p.Exit != nil {
		p.Exit()
	}
}
