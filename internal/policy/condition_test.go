package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	cases := []struct {
		in   string
		op   Operator
		want float64
	}{
		{"> 80", OpGT, 80},
		{">=82C", OpGE, 82},
		{"< 5%", OpLT, 5},
		{"<= 1410 MHz", OpLE, 1410},
		{"== 0", OpEQ, 0},
		{"= 3", OpEQ, 3},
		{"!= -1", OpNE, -1},
		{" > 250W ", OpGT, 250},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			c, err := ParseCondition(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.op, c.Op)
			assert.Equal(t, tc.want, c.Threshold)
		})
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, in := range []string{"", "80", "> hot", "~ 3", "> NaN"} {
		_, err := ParseCondition(in)
		assert.Error(t, err, in)
	}
}

func TestConditionHolds(t *testing.T) {
	gt, _ := ParseCondition("> 82")
	assert.True(t, gt.Holds(83))
	assert.False(t, gt.Holds(82))

	lt, _ := ParseCondition("< 5%")
	assert.True(t, lt.Holds(4.9))
	assert.False(t, lt.Holds(5))

	eq, _ := ParseCondition("== 0")
	assert.True(t, eq.Holds(0))
	assert.False(t, eq.Holds(0.1))
	assert.Equal(t, "== 0", eq.String())
}
