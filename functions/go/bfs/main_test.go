package main

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/simple"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

func TestBFSVisitsEveryNodeOnce(t *testing.T) {
	g := generateBarabasiAlbert(rand.New(rand.NewPCG(1, 1)), 200, edgesPerNode)
	order := bfs(g, 0)

	require.Len(t, order, 200)
	assert.Equal(t, int64(0), order[0])
	seen := make(map[int64]bool)
	for _, id := range order {
		assert.False(t, seen[id], "node %d visited twice", id)
		seen[id] = true
	}
}

func TestHandlerIsDeterministicWithSeed(t *testing.T) {
	ev := fri.NewEvent(json.RawMessage(`{"size":50,"seed":7}`))

	first, err := handler(context.Background(), ev)
	require.NoError(t, err)
	second, err := handler(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, first.(OutputData).Result, second.(OutputData).Result)
}

func TestGraphIsDeterministicWithSeed(t *testing.T) {
	a := generateBarabasiAlbert(rand.New(rand.NewPCG(7, 7)), 100, edgesPerNode)
	b := generateBarabasiAlbert(rand.New(rand.NewPCG(7, 7)), 100, edgesPerNode)

	assert.Equal(t, a.Edges().Len(), b.Edges().Len())
	for id := range int64(100) {
		assert.Equal(t, neighbourIDs(a, id), neighbourIDs(b, id), "node %d", id)
	}
}

func neighbourIDs(g *simple.UndirectedGraph, id int64) []int64 {
	var ids []int64
	for _, n := range sortedNodes(g.From(id)) {
		ids = append(ids, n.ID())
	}
	return ids
}

func TestHandlerRejectsBadSize(t *testing.T) {
	_, err := handler(context.Background(), fri.NewEvent(json.RawMessage(`{"size":-1}`)))
	assert.Error(t, err)

	out, err := handler(context.Background(), fri.NewEvent(json.RawMessage(`{"size":0}`)))
	require.NoError(t, err)
	assert.Empty(t, out.(OutputData).Result)
}
