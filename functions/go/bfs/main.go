package main

import (
	"context"
	"errors"
	"fmt"
	"cmp"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

// edgesPerNode is the attachment count of the Barabási-Albert model.
const edgesPerNode = 10

const maxSize = 1_000_000

type InputData struct {
	Size int     `json:"size"`
	Seed *uint64 `json:"seed,omitempty"`
}

type OutputData struct {
	Result      []int64 `json:"result"`
	Measurement struct {
		GraphGeneratingTimeMicroseconds int64 `json:"graphGeneratingTimeMicroseconds"`
		ComputeTimeMicroseconds         int64 `json:"computeTimeMicroseconds"`
	} `json:"measurement"`
}

func main() {
	fn := fri.New()
	fn.Register("BFS", fri.Sync(handler))
	fn.Ready()
}

// inspired by https://github.com/spcl/serverless-benchmarks/blob/master/benchmarks/500.scientific/503.graph-bfs/python/function.py
func handler(_ context.Context, ev *fri.Event) (any, error) {
	var input InputData
	if err := ev.Decode(&input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	if input.Size < 0 || input.Size > maxSize {
		return nil, errors.New("size must be between 0 and 1000000")
	}

	seed := uint64(time.Now().UnixNano())
	if input.Seed != nil {
		seed = *input.Seed
	}
	rng := rand.New(rand.NewPCG(seed, seed))

	startGraph := time.Now()
	g := generateBarabasiAlbert(rng, input.Size, edgesPerNode)
	graphDuration := time.Since(startGraph).Microseconds()

	startBFS := time.Now()
	result := bfs(g, 0)
	bfsDuration := time.Since(startBFS).Microseconds()

	output := OutputData{Result: result}
	output.Measurement.GraphGeneratingTimeMicroseconds = graphDuration
	output.Measurement.ComputeTimeMicroseconds = bfsDuration
	return output, nil
}

// generateBarabasiAlbert creates a scale-free graph using a simple preferential attachment model
func generateBarabasiAlbert(rng *rand.Rand, n, m int) *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	if n <= 0 || m <= 0 {
		return g
	}

	// Initial fully-connected core of m nodes
	for i := 0; i < min(m, n); i++ {
		g.AddNode(simple.Node(i))
		for j := 0; j < i; j++ {
			g.SetEdge(g.NewEdge(simple.Node(i), simple.Node(j)))
		}
	}

	// Preferential attachment
	for i := m; i < n; i++ {
		targets := preferentialTargets(rng, g, m)
		newNode := simple.Node(i)
		g.AddNode(newNode)
		for _, t := range targets {
			g.SetEdge(g.NewEdge(newNode, simple.Node(t)))
		}
	}
	return g
}

func preferentialTargets(rng *rand.Rand, g *simple.UndirectedGraph, m int) []int64 {
	var pool []int64
	candidates := 0
	for _, n := range sortedNodes(g.Nodes()) {
		id := n.ID()
		degree := g.From(id).Len()
		if degree > 0 {
			candidates++
		}
		for range degree {
			pool = append(pool, id)
		}
	}

	var targets []int64
	seen := make(map[int64]bool)
	for len(targets) < min(m, candidates) {
		candidate := pool[rng.IntN(len(pool))]
		if !seen[candidate] {
			seen[candidate] = true
			targets = append(targets, candidate)
		}
	}
	return targets
}

// bfs returns the node ids in breadth-first order from start.
func bfs(g *simple.UndirectedGraph, start int64) []int64 {
	if g.Node(start) == nil {
		return []int64{}
	}
	var result []int64
	var walk traverse.BreadthFirst
	walk.Walk(orderedGraph{g}, g.Node(start), func(n graph.Node, _ int) bool {
		result = append(result, n.ID())
		return false
	})
	return result
}

// orderedGraph yields neighbours by ascending id; simple graphs iterate maps.
type orderedGraph struct {
	*simple.UndirectedGraph
}

func (g orderedGraph) From(id int64) graph.Nodes {
	return iterator.NewOrderedNodes(sortedNodes(g.UndirectedGraph.From(id)))
}

func sortedNodes(it graph.Nodes) []graph.Node {
	nodes := graph.NodesOf(it)
	slices.SortFunc(nodes, func(a, b graph.Node) int { return cmp.Compare(a.ID(), b.ID()) })
	return nodes
}
