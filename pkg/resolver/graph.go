package resolver

// depGraph is a small directed graph used to topologically order plan
// entries: an edge from->to means "from must be ordered before to".
type depGraph struct {
	nodes []string
	entry map[string]PlanEntry
	noop  map[string]bool // nodes present only to satisfy an edge, with no plan entry of their own
	edges map[string][]string
	seen  map[string]bool
}

func newDepGraph() *depGraph {
	return &depGraph{
		entry: map[string]PlanEntry{},
		noop:  map[string]bool{},
		edges: map[string][]string{},
		seen:  map[string]bool{},
	}
}

func (g *depGraph) hasNode(name string) bool { return g.seen[name] }

// reserve registers name as a node with no plan entry yet (marked noop
// until setEntry gives it a real one), so other batch members can see it
// as "known" before its own change has been processed.
func (g *depGraph) reserve(name string) {
	if g.seen[name] {
		return
	}
	g.seen[name] = true
	g.nodes = append(g.nodes, name)
	g.noop[name] = true
}

// addNode registers name (if not already present) and assigns entry,
// clearing any noop placeholder reserve left.
func (g *depGraph) addNode(name string, entry PlanEntry) {
	if !g.seen[name] {
		g.seen[name] = true
		g.nodes = append(g.nodes, name)
	}
	g.entry[name] = entry
	delete(g.noop, name)
}

func (g *depGraph) addEdge(from, to string) {
	g.edges[from] = append(g.edges[from], to)
}

// topoSort returns plan entries for every non-noop node in dependency
// order (a dependency before its dependent for Install/Upgrade; the
// reverse order falls out naturally for Remove since removal targets
// have no outgoing edges to their own dependencies). If a cycle exists,
// it returns (nil, cycle) naming the nodes on the cycle.
func (g *depGraph) topoSort() ([]PlanEntry, []string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var order []string
	var cycle []string

	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		color[name] = gray
		path = append(path, name)
		for _, next := range g.edges[name] {
			switch color[next] {
			case white:
				if visit(next, path) {
					return true
				}
			case gray:
				cycle = closeCycle(path, next)
				return true
			}
		}
		color[name] = black
		order = append(order, name)
		return false
	}

	for _, n := range g.nodes {
		if color[n] == white {
			if visit(n, nil) {
				return nil, cycle
			}
		}
	}

	// order was built in DFS post-order (a node's successors finish
	// before the node itself); reverse it so that for every edge
	// from->to ("from must precede to"), from appears first.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	var plan []PlanEntry
	for _, name := range order {
		if g.noop[name] {
			continue
		}
		plan = append(plan, g.entry[name])
	}
	return plan, nil
}

func closeCycle(path []string, closingNode string) []string {
	start := 0
	for i, n := range path {
		if n == closingNode {
			start = i
			break
		}
	}
	cycle := append([]string{}, path[start:]...)
	cycle = append(cycle, closingNode)
	return cycle
}
