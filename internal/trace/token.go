// Package trace reads state/event traces: line oriented files where each line
// pushes context attributes (P), pops them (O) or records event attributes (E).
//
//	P;$site;home;depth;1
//	E;clicks;3;?ok;yes
//	O;$site;depth
//
// Fields are separated by ';'. Leading and trailing whitespace of a line is
// ignored, as are empty lines and lines with an unknown operation.
package trace

import "strings"

// Op is the operation code of a trace line.
type Op byte

const (
	OpPush  Op = 'P'
	OpPop   Op = 'O'
	OpEvent Op = 'E'
)

func (o Op) String() string { return string(o) }

// Delimiter separates the fields of a line.
const Delimiter = ";"

// Line is one tokenized trace line.
//
// Fields holds everything after the operation code. For P and E lines the
// fields are key/value pairs; for O lines every field is a key.
type Line struct {
	No     int
	Op     Op
	Fields []string
}

// ParseLine tokenizes raw. The second result is false for lines that carry
// no operation (blank, or an unknown op code).
func ParseLine(no int, raw string) (Line, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Line{}, false
	}
	parts := strings.Split(raw, Delimiter)
	if len(parts[0]) != 1 {
		return Line{}, false
	}
	op := Op(parts[0][0])
	switch op {
	case OpPush, OpPop, OpEvent:
	default:
		return Line{}, false
	}
	return Line{No: no, Op: op, Fields: parts[1:]}, true
}

// Malformed reports a P or E line whose fields do not form whole pairs.
func (l Line) Malformed() bool {
	return l.Op != OpPop && len(l.Fields)%2 != 0
}

// Pairs is the number of complete key/value pairs on a P or E line. A
// trailing key without a value is not counted.
func (l Line) Pairs() int { return len(l.Fields) / 2 }

// Pair returns the i-th key/value pair.
func (l Line) Pair(i int) (key, value string) {
	return l.Fields[2*i], l.Fields[2*i+1]
}

// Keys returns the keys of an O line in the order they are listed.
func (l Line) Keys() []string { return l.Fields }
