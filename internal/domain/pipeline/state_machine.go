// Пакет pipeline — конечный автомат конвейера загрузки изображения.
//
// Жизненный цикл одного вызова:
//
//	idle → presigning → uploading → registering → generating → done
//
// Из любого активного состояния (и из idle при отмене до старта)
// возможен переход в failed с указанием шага. Переходы вперёд
// выполняются только после успешного завершения шага; done и failed
// конечные. Потокобезопасен через sync.Mutex.
package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние конвейера.
type State string

const (
	StateIdle        State = "idle"
	StatePresigning  State = "presigning"
	StateUploading   State = "uploading"
	StateRegistering State = "registering"
	StateGenerating  State = "generating"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Step — шаг конвейера.
type Step string

const (
	StepPresign  Step = "presign"
	StepUpload   Step = "upload"
	StepRegister Step = "register"
	StepGenerate Step = "generate"
)

// Steps — шаги в порядке выполнения.
var Steps = []Step{StepPresign, StepUpload, StepRegister, StepGenerate}

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateIdle:        {StatePresigning: true, StateFailed: true},
	StatePresigning:  {StateUploading: true, StateFailed: true},
	StateUploading:   {StateRegistering: true, StateFailed: true},
	StateRegistering: {StateGenerating: true, StateFailed: true},
	StateGenerating:  {StateDone: true, StateFailed: true},
	StateDone:        {},
	StateFailed:      {},
}

// stepStates — состояние, в котором выполняется шаг.
var stepStates = map[Step]State{
	StepPresign:  StatePresigning,
	StepUpload:   StateUploading,
	StepRegister: StateRegistering,
	StepGenerate: StateGenerating,
}

// nextState — состояние после успешного завершения текущего.
var nextState = map[State]State{
	StateIdle:        StatePresigning,
	StatePresigning:  StateUploading,
	StateUploading:   StateRegistering,
	StateRegistering: StateGenerating,
	StateGenerating:  StateDone,
}

// Machine — конечный автомат одного вызова конвейера.
type Machine struct {
	mu         sync.Mutex
	current    State
	failedStep Step
	err        error
	history    []TransitionRecord
	done       chan struct{}
	now        func() time.Time
}

// NewMachine создаёт автомат в состоянии idle.
func NewMachine() *Machine {
	return &Machine{
		current: StateIdle,
		history: make([]TransitionRecord, 0, len(Steps)+1),
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Current возвращает текущее состояние.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start переводит автомат из idle в presigning.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != StateIdle {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("запуск возможен только из %s, текущее состояние %s", StateIdle, m.current),
		}
	}
	return m.transitionLocked(StatePresigning)
}

// Complete отмечает успешное завершение шага step и переводит автомат
// в следующее состояние. Шаг должен совпадать с текущим.
func (m *Machine) Complete(step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stepStates[step] != m.current {
		return &TransitionError{
			Code:    "STEP_MISMATCH",
			Message: fmt.Sprintf("шаг %s не выполняется, текущее состояние %s", step, m.current),
		}
	}
	return m.transitionLocked(nextState[m.current])
}

// Fail переводит автомат в failed, запоминая шаг и причину.
// При отказе в idle шагом считается presign.
func (m *Machine) Fail(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := stepOf(m.current)
	if !ok {
		step = StepPresign
	}
	if err := m.transitionLocked(StateFailed); err != nil {
		return err
	}
	m.failedStep = step
	m.err = cause
	return nil
}

// FailedStep возвращает шаг, на котором конвейер завершился ошибкой.
func (m *Machine) FailedStep() (step Step, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != StateFailed {
		return "", false
	}
	return m.failedStep, true
}

// Err возвращает причину отказа (nil, если не failed).
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done возвращает канал, закрываемый ровно один раз при достижении
// конечного состояния (done или failed).
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// History возвращает историю переходов (копия).
func (m *Machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]TransitionRecord, len(m.history))
	copy(result, m.history)
	return result
}

func (m *Machine) transitionLocked(target State) error {
	if !validTransitions[m.current][target] {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", m.current, target),
		}
	}

	m.history = append(m.history, TransitionRecord{
		From:      m.current,
		To:        target,
		Timestamp: m.now(),
	})
	m.current = target

	if isTerminal(target) {
		close(m.done)
	}
	return nil
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, STEP_MISMATCH
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func stepOf(s State) (Step, bool) {
	for step, state := range stepStates {
		if state == s {
			return step, true
		}
	}
	return "", false
}

func isTerminal(s State) bool {
	return s == StateDone || s == StateFailed
}
