package relay

import "fmt"

// Command is one recorded Set call.
type Command struct {
	ID int
	On bool
}

// FakeDriver is a test double that records relay commands.
type FakeDriver struct {
	// Commands contains every successful Set call in order.
	Commands []Command

	// States holds the last commanded state per relay.
	States map[int]bool

	// SetError, if set, will be returned by Set.
	SetError error

	// FailID, if non-zero, makes Set fail only for that relay.
	FailID int

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeDriver creates a FakeDriver with all relays off.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{States: make(map[int]bool)}
}

// Set records the command.
func (f *FakeDriver) Set(id int, on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	if f.FailID != 0 && id == f.FailID {
		return fmt.Errorf("relay %d: simulated bus fault", id)
	}
	f.Commands = append(f.Commands, Command{ID: id, On: on})
	f.States[id] = on
	return nil
}

// Close marks the driver as closed.
func (f *FakeDriver) Close() error {
	f.Closed = true
	return nil
}

// On returns the relays currently switched on.
func (f *FakeDriver) On() []int {
	var ids []int
	for id, on := range f.States {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

// Reset clears recorded commands and states.
func (f *FakeDriver) Reset() {
	f.Commands = nil
	f.States = make(map[int]bool)
	f.SetError = nil
	f.FailID = 0
	f.Closed = false
}
