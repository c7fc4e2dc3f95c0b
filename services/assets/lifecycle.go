package assets

import "fmt"

// Status is the issuance lifecycle of an asset.
type Status string

const (
	StatusDrafted Status = "drafted"
	StatusIssued  Status = "issued"
	StatusMinted  Status = "minted"
	StatusSoldOut Status = "sold_out"
)

var transitions = map[Status][]Status{
	StatusDrafted: {StatusIssued},
	StatusIssued:  {StatusMinted, StatusSoldOut},
	StatusMinted:  {StatusMinted, StatusSoldOut},
	StatusSoldOut: nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next, or an error naming both states when the move is
// not allowed.
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("asset status cannot move from %s to %s", s, next)
	}
	return next, nil
}

// afterMint is the status an asset reaches once current of total units have
// been issued.
func afterMint(current, total uint64) Status {
	if current >= total {
		return StatusSoldOut
	}
	return StatusMinted
}
