package startup

import (
	"testing"

	"fundingkeeper/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestCountByStatus_TalliesEachPairOnce(t *testing.T) {
	pairs := []*core.HedgedPair{
		{PairID: "a", Status: core.PairComplete},
		{PairID: "b", Status: core.PairComplete},
		{PairID: "c", Status: core.PairSingleLeg},
		{PairID: "d", Status: core.PairPending},
	}

	counts := countByStatus(pairs)

	assert.Equal(t, 2, counts[core.PairComplete])
	assert.Equal(t, 1, counts[core.PairSingleLeg])
	assert.Equal(t, 1, counts[core.PairPending])
	assert.Equal(t, 0, counts[core.PairClosed])
}

func TestCountByStatus_EmptyInputReturnsEmptyMap(t *testing.T) {
	counts := countByStatus(nil)
	assert.Empty(t, counts)
}
