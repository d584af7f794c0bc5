package dbcrypt

import "fmt"

// State is the persisted encryption state of the main database.
type State int

const (
	NotEncrypted State = iota
	EncryptionInProgress
	Encrypted
	DecryptionInProgress
)

var stateNames = map[State]string{
	NotEncrypted:         "not_encrypted",
	EncryptionInProgress: "encryption_in_progress",
	Encrypted:            "encrypted",
	DecryptionInProgress: "decryption_in_progress",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InProgress reports whether a rewrite was started and not finished.
func (s State) InProgress() bool {
	return s == EncryptionInProgress || s == DecryptionInProgress
}

func parseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return NotEncrypted, fmt.Errorf("dbcrypt: unknown persisted state %q", name)
}

// Outcome is the result of Finish.
type Outcome int

const (
	// Noop means nothing was pending.
	Noop Outcome = iota
	// Done means the rewrite was committed and the backup key discarded.
	Done
	// Canceled means the rewrite was abandoned and the previous key restored.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Noop:
		return "noop"
	case Done:
		return "done"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}
