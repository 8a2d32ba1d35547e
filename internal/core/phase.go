package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Phase is a step of the rollout state machine:
//
//	PENDING -> PULLING -> STOPPING_OLD -> STARTING_NEW -> HEALTH_CHECKING -> SUCCEEDED
//
// with FAILED reachable from every non-terminal phase.
type Phase uint8

const (
	PhasePending Phase = iota + 1
	PhasePulling
	PhaseStoppingOld
	PhaseStartingNew
	PhaseHealthChecking
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhasePulling:
		return "PULLING"
	case PhaseStoppingOld:
		return "STOPPING_OLD"
	case PhaseStartingNew:
		return "STARTING_NEW"
	case PhaseHealthChecking:
		return "HEALTH_CHECKING"
	case PhaseSucceeded:
		return "SUCCEEDED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) IsValid() bool {
	return p >= PhasePending && p <= PhaseFailed
}

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Transition validates a move to the next phase.
func (p Phase) Transition(to Phase) (Phase, error) {
	ok := false
	switch p {
	case PhasePending:
		ok = to == PhasePulling || to == PhaseFailed
	case PhasePulling:
		ok = to == PhaseStoppingOld || to == PhaseFailed
	case PhaseStoppingOld:
		ok = to == PhaseStartingNew || to == PhaseFailed
	case PhaseStartingNew:
		ok = to == PhaseHealthChecking || to == PhaseFailed
	case PhaseHealthChecking:
		ok = to == PhaseSucceeded || to == PhaseFailed
	}
	if !ok {
		return p, fmt.Errorf("invalid phase transition: %s -> %s", p, to)
	}
	return to, nil
}

func (p Phase) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid phase: %d", p)
	}
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParsePhase(raw)
	if !ok {
		return fmt.Errorf("invalid phase: %q", raw)
	}
	*p = next
	return nil
}

func ParsePhase(raw string) (Phase, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for p := PhasePending; p <= PhaseFailed; p++ {
		if p.String() == raw {
			return p, true
		}
	}
	return 0, false
}
