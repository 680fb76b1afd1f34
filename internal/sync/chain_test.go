package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChainRootFirst(t *testing.T) {
	nodes := []Node{
		{ID: 1, ParentID: 0},
		{ID: 2, ParentID: 1},
		{ID: 3, ParentID: 2},
		{ID: 9, ParentID: 0},
	}

	chain, err := BuildChain(3, nodes)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, chain)

	chain, err = BuildChain(1, nodes)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, chain)
}

func TestBuildChainMissingParent(t *testing.T) {
	nodes := []Node{{ID: 3, ParentID: 7}}
	_, err := BuildChain(3, nodes)
	assert.Error(t, err)
}

func TestBuildChainCycle(t *testing.T) {
	nodes := []Node{
		{ID: 1, ParentID: 2},
		{ID: 2, ParentID: 1},
	}
	_, err := BuildChain(1, nodes)
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "blue-widget", Slugify("Blue Widget"))
	assert.Equal(t, "deluxe-chair-2", Slugify("Deluxe  Chair / 2"))
	assert.Equal(t, "", Slugify("---"))
}
