// Package atomic implements the distributed three-phase-commit coordinator
// that drives an atomic multi-ECU software update: a Primary ECU rolls out a
// new image to a set of Secondary ECUs such that either all of them adopt
// the image or none do, across an in-vehicle network whose nodes may lose
// power or reboot at any point in the protocol.
package atomic

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxID is a 128-bit opaque value uniquely identifying one rollout attempt.
// Equality is bitwise.
type TxID [16]byte

// NewTxID generates a fresh, unique transaction id (UUIDv4).
func NewTxID() TxID {
	return TxID(uuid.New())
}

// ParseTxID decodes a 16-byte big-endian transaction id.
func ParseTxID(b []byte) (TxID, error) {
	var id TxID
	if len(b) != len(id) {
		return id, fmt.Errorf("tx id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never a valid, assigned id).
func (id TxID) IsZero() bool {
	return id == TxID{}
}

// Serial is an opaque ECU identifier, compared bytewise.
type Serial string

// Step is the protocol phase a participant has durably entered. Steps are
// totally ordered except for Abort, which is reachable from any non-terminal
// step.
type Step uint8

const (
	StepStart Step = iota
	StepVerify
	StepPrepare
	StepCommit
	StepAbort
)

func (s Step) String() string {
	switch s {
	case StepStart:
		return "start"
	case StepVerify:
		return "verify"
	case StepPrepare:
		return "prepare"
	case StepCommit:
		return "commit"
	case StepAbort:
		return "abort"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Terminal reports whether s ends a transaction's lifecycle.
func (s Step) Terminal() bool {
	return s == StepCommit || s == StepAbort
}

// Before reports whether s strictly precedes o in the Start<Verify<Prepare<Commit
// ordering. Abort is not ordered relative to the others; Before always
// returns false if either side is Abort.
func (s Step) Before(o Step) bool {
	if s == StepAbort || o == StepAbort {
		return false
	}
	return s < o
}

// Verdict is the terminal outcome of a Primary-run transaction.
type Verdict struct {
	TxID      TxID
	Committed bool
	Reason    Kind // populated when !Committed
	Detail    string
}

func (v Verdict) String() string {
	if v.Committed {
		return fmt.Sprintf("tx %s: committed", v.TxID)
	}
	return fmt.Sprintf("tx %s: aborted (%s: %s)", v.TxID, v.Reason, v.Detail)
}

// Descriptor is the input the higher SOTA layer hands the Primary Coordinator
// to begin a transaction.
type Descriptor struct {
	TxID        TxID
	Secondaries []Serial
	Payloads    map[Serial][]byte // full image payload per secondary, chunked internally
	StepTimeout time.Duration     // 0 => the Primary's configured step timeout (DefaultStepTimeout unless set)
	TxTimeout   time.Duration     // 0 => the Primary's configured tx timeout (DefaultTxTimeout unless set)
}
