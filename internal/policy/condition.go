package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator is a comparison in a policy condition.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Condition compares an observed value against a threshold.
type Condition struct {
	Op        Operator `json:"op"`
	Threshold float64  `json:"threshold"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s", c.Op, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
}

const epsilon = 1e-9

// Holds reports whether v satisfies the condition.
func (c Condition) Holds(v float64) bool {
	switch c.Op {
	case OpGT:
		return v > c.Threshold
	case OpGE:
		return v >= c.Threshold
	case OpLT:
		return v < c.Threshold
	case OpLE:
		return v <= c.Threshold
	case OpEQ:
		return math.Abs(v-c.Threshold) < epsilon
	case OpNE:
		return math.Abs(v-c.Threshold) >= epsilon
	}
	return false
}

// unit suffixes stripped from thresholds, longest first
var unitSuffixes = []string{"MHz", "GiB", "ms", "°C", "%", "C", "W"}

// ParseCondition parses expressions such as "> 80", ">=82C", "< 5%".
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	var op Operator
	for _, cand := range []Operator{OpGE, OpLE, OpEQ, OpNE, OpGT, OpLT, "="} {
		if strings.HasPrefix(s, string(cand)) {
			op = cand
			break
		}
	}
	if op == "" {
		return Condition{}, fmt.Errorf("condition %q: missing operator", s)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(s, string(op)))
	if op == "=" {
		op = OpEQ
	}
	for _, u := range unitSuffixes {
		if strings.HasSuffix(raw, u) {
			raw = strings.TrimSpace(strings.TrimSuffix(raw, u))
			break
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: invalid threshold: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Condition{}, fmt.Errorf("condition %q: threshold must be finite", s)
	}
	return Condition{Op: op, Threshold: v}, nil
}
