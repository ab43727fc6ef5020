package callgraph

import "sort"

func sortKeys(keys []FunctionKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Key.String() < nodes[j].Key.String()
	})
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Caller != edges[j].Caller {
			return edges[i].Caller.String() < edges[j].Caller.String()
		}
		return edges[i].Callee.String() < edges[j].Callee.String()
	})
}
