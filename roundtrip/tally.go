package roundtrip

import "fmt"

// Tally counts failures per stage across cells. Structural counts defects,
// not cells.
type Tally struct {
	Compile     int `json:"compile"`
	Disassembly int `json:"disassembly"`
	Structural  int `json:"structural"`
	Reassembly  int `json:"reassembly"`
	Link        int `json:"link"`
	Test        int `json:"test"`
}

// Passed reports whether every counter is zero.
func (t Tally) Passed() bool {
	return t == Tally{}
}

// Add accumulates other into t.
func (t *Tally) Add(other Tally) {
	t.Compile += other.Compile
	t.Disassembly += other.Disassembly
	t.Structural += other.Structural
	t.Reassembly += other.Reassembly
	t.Link += other.Link
	t.Test += other.Test
}

func (t Tally) String() string {
	return fmt.Sprintf("compile=%d disassembly=%d structural=%d reassembly=%d link=%d test=%d",
		t.Compile, t.Disassembly, t.Structural, t.Reassembly, t.Link, t.Test)
}
