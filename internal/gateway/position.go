package gateway

import (
	"encoding/json"
	"fmt"
)

// Position is the answer to "where is A relative to B".
type Position int

const (
	Unrelated Position = iota
	Before
	After
	Equal
	// AdjacentBefore means A ends exactly where B starts.
	AdjacentBefore
	// AdjacentAfter means A starts exactly where B ends.
	AdjacentAfter
)

var positionNames = map[Position]string{
	Unrelated:      "Unrelated",
	Before:         "Before",
	After:          "After",
	Equal:          "Equal",
	AdjacentBefore: "AdjacentBefore",
	AdjacentAfter:  "AdjacentAfter",
}

func (p Position) String() string {
	if s, ok := positionNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Position(%d)", int(p))
}

// IsAfter reports whether A lies after B, touching or not.
func (p Position) IsAfter() bool { return p == After || p == AdjacentAfter }

// IsBefore reports whether A lies before B, touching or not.
func (p Position) IsBefore() bool { return p == Before || p == AdjacentBefore }

// Invert swaps the roles of A and B.
func (p Position) Invert() Position {
	switch p {
	case Before:
		return After
	case After:
		return Before
	case AdjacentBefore:
		return AdjacentAfter
	case AdjacentAfter:
		return AdjacentBefore
	}
	return p
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range positionNames {
		if v == s {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("gateway: unknown position %q", s)
}
