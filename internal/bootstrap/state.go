package bootstrap

import (
	"fmt"
	"sync"
)

// State is a step of the runtime bootstrap.
type State int

const (
	NotFetched State = iota
	Downloading
	Verifying
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotFetched:
		return "not-fetched"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	NotFetched:  {Downloading, Ready, Failed},
	Downloading: {Verifying, Failed},
	Verifying:   {Ready, Failed},
}

// Machine tracks one bootstrap attempt. It never leaves Failed; a new process
// starts over from NotFetched.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []State
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History lists every state entered after NotFetched.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

func (m *Machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			m.history = append(m.history, to)
			return nil
		}
	}
	return fmt.Errorf("bootstrap: invalid transition %s -> %s", m.state, to)
}

// fail moves to Failed and returns err.
func (m *Machine) fail(err error) error {
	if terr := m.transition(Failed); terr != nil {
		return fmt.Errorf("%w (%v)", err, terr)
	}
	return err
}
