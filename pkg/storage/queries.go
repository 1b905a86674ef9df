package storage

import "github.com/cuemby/conary/pkg/types"

// DependencyNode is one entry in a dependency tree walk: the Trove found
// for this edge (nil if the capability is unresolved to an installed
// Trove) plus whether this edge closes a cycle back to an ancestor.
type DependencyNode struct {
	Name      string
	Trove     *types.Trove
	Circular  bool
	Children  []*DependencyNode
}

// DependencyTree walks the forward dependency graph starting at
// troveID: every capability the trove depends on, resolved to the
// Trove currently providing it (via ListProviders), recursively. A
// capability that closes a cycle back to an ancestor already on the
// current path is marked Circular and not expanded further, per the
// "mark circular, don't fail" rule — this is a read-only report, not
// the resolver's conflict detection.
func DependencyTree(s Store, troveID int64) (*DependencyNode, error) {
	root, err := s.GetTrove(troveID)
	if err != nil {
		return nil, err
	}
	visited := map[int64]bool{troveID: true}
	return buildDependencyNode(s, root, visited)
}

func buildDependencyNode(s Store, t *types.Trove, path map[int64]bool) (*DependencyNode, error) {
	node := &DependencyNode{Name: t.Name, Trove: t}

	deps, err := s.ListDependenciesByTrove(t.ID)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		providers, err := s.ListProviders(dep.DependsOnName)
		if err != nil {
			return nil, err
		}
		if len(providers) == 0 {
			node.Children = append(node.Children, &DependencyNode{Name: dep.DependsOnName})
			continue
		}
		provider, err := s.GetTrove(providers[0].TroveID)
		if err != nil {
			return nil, err
		}
		if path[provider.ID] {
			node.Children = append(node.Children, &DependencyNode{Name: provider.Name, Trove: provider, Circular: true})
			continue
		}

		path[provider.ID] = true
		child, err := buildDependencyNode(s, provider, path)
		if err != nil {
			return nil, err
		}
		delete(path, provider.ID)
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// ReverseDependencyTree walks the opposite direction: every Trove that
// would become uninstallable (directly or transitively) if name were
// removed. The transaction engine does not call it.
func ReverseDependencyTree(s Store, name string, path map[string]bool) ([]*types.Trove, error) {
	if path == nil {
		path = map[string]bool{}
	}
	if path[name] {
		return nil, nil
	}
	path[name] = true

	dependents, err := s.ListDependents(name)
	if err != nil {
		return nil, err
	}

	var out []*types.Trove
	seen := map[int64]bool{}
	for _, dep := range dependents {
		if seen[dep.TroveID] {
			continue
		}
		seen[dep.TroveID] = true

		t, err := s.GetTrove(dep.TroveID)
		if err != nil {
			continue // stale dependency row pointing at a removed trove
		}
		out = append(out, t)

		transitive, err := ReverseDependencyTree(s, t.Name, path)
		if err != nil {
			return nil, err
		}
		out = append(out, transitive...)
	}
	return out, nil
}
