/*
Package resolver implements the Dependency Resolver and Redirect Layer
(§4.4): given the metadata store and a set of requested changes, it
produces an ordered transaction plan or a structured Conflict.

The resolver treats dependency edges as a graph to topologically sort
(Install/Upgrade entries before anything that depends on them; Remove
entries after anything that depends on them), using a depth-first
search that marks nodes in progress, so an unresolvable cycle surfaces
as CircularDependency naming the nodes on the cycle.
*/
package resolver

import (
	"fmt"

	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

// Op is the kind of change one PlanEntry performs.
type Op string

const (
	OpInstall   Op = "install"
	OpUpgrade   Op = "upgrade"
	OpDowngrade Op = "downgrade"
	OpRemove    Op = "remove"
)

// Dependency is one capability requirement carried by a RequestedChange
// — for Install/Upgrade this comes from the incoming package's own
// metadata (it is not yet in the store), which is why the resolver
// needs it passed in rather than looked up.
type Dependency struct {
	Name       string
	Constraint string
}

// RequestedChange is one top-level change the caller wants: install a
// new trove, upgrade/downgrade an existing one, or remove one.
type RequestedChange struct {
	Kind         Op
	Name         string
	Version      string
	Architecture string
	Dependencies []Dependency
}

// Request is the resolver's full input.
type Request struct {
	Changes        []RequestedChange
	AllowDowngrade bool
}

// PlanEntry is one ordered step of the resolved transaction plan.
type PlanEntry struct {
	Op          Op
	Name        string
	FromVersion string // empty for Install
	ToVersion   string // empty for Remove
}

// Result is the resolver's full output.
type Result struct {
	Plan      []PlanEntry
	Missing   []string
	Conflicts []Conflict
}

// Resolve computes a transaction plan for req against the current state
// in store.
func Resolve(store storage.Store, req Request) (*Result, error) {
	res := &Result{}

	graph := newDepGraph()
	missingSet := map[string]bool{}

	// Pass 1: register every requested change as a graph node up front,
	// so a forward reference within the same batch (a depends on b,
	// where b is also being installed in this request) is recognized as
	// "already part of the plan" rather than reported missing.
	for _, change := range req.Changes {
		if change.Kind != OpRemove {
			graph.reserve(change.Name)
		}
	}

	// Pass 2: resolve dependencies and build edges now that every
	// batch member is a known node.
	for _, change := range req.Changes {
		switch change.Kind {
		case OpInstall, OpUpgrade, OpDowngrade:
			if err := planInstallLike(store, req, change, graph, res, missingSet); err != nil {
				return nil, err
			}
		case OpRemove:
			if err := planRemove(store, change, graph, res); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("resolver: unknown change kind %q", change.Kind)
		}
	}

	if len(res.Conflicts) > 0 {
		return res, nil
	}

	order, cycle := graph.topoSort()
	if cycle != nil {
		res.Conflicts = append(res.Conflicts, &CircularDependency{Cycle: cycle})
		return res, nil
	}
	res.Plan = order
	return res, nil
}

func planInstallLike(store storage.Store, req Request, change RequestedChange, graph *depGraph, res *Result, missingSet map[string]bool) error {
	installed, err := latestInstalled(store, change.Name)
	if err != nil {
		return err
	}

	op := change.Kind
	fromVersion := ""
	if installed != nil {
		fromVersion = installed.Version
		cmp := compareVersions(change.Version, installed.Version)
		switch {
		case cmp > 0:
			op = OpUpgrade
		case cmp < 0:
			op = OpDowngrade
		default:
			op = OpUpgrade // no-op reinstall, still represented as an upgrade step
		}

		if installed.Pinned && compareVersions(change.Version, installed.Version) != 0 {
			res.Conflicts = append(res.Conflicts, &UnsatisfiableConstraint{
				Package:            change.Name,
				InstalledVersion:   installed.Version,
				RequiredConstraint: "== " + installed.Version,
				RequiredBy:         "pin",
			})
			return nil
		}

		if compareVersions(change.Version, installed.Version) < 0 && !req.AllowDowngrade {
			res.Conflicts = append(res.Conflicts, &downgradeRefused{
				Package:     change.Name,
				FromVersion: installed.Version,
				ToVersion:   change.Version,
			})
			return nil
		}
	}

	graph.addNode(change.Name, PlanEntry{Op: op, Name: change.Name, FromVersion: fromVersion, ToVersion: change.Version})

	for _, dep := range change.Dependencies {
		if err := resolveDependency(store, dep, change.Name, graph, res, missingSet); err != nil {
			return err
		}
		graph.addEdge(dep.Name, change.Name) // dep must be ordered before the change that needs it
	}
	return nil
}

// resolveDependency ensures dep.Name is satisfied, either by an already
// installed provider or by a provider already present in the graph
// (part of this same batch of changes). It does not reach out to
// repositories — fetching an unmet dependency from a repository is the
// transaction engine's job, once the resolver tells it what is missing.
func resolveDependency(store storage.Store, dep Dependency, requiredBy string, graph *depGraph, res *Result, missingSet map[string]bool) error {
	if graph.hasNode(dep.Name) {
		return nil // already part of this plan
	}

	providers, err := store.ListProviders(dep.Name)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		if !missingSet[dep.Name] {
			missingSet[dep.Name] = true
			res.Missing = append(res.Missing, dep.Name)
		}
		res.Conflicts = append(res.Conflicts, &MissingPackage{Package: dep.Name, RequiredBy: []string{requiredBy}})
		return nil
	}

	trove, err := store.GetTrove(providers[0].TroveID)
	if err != nil {
		return err
	}
	if !satisfiesConstraint(trove.Version, dep.Constraint) {
		res.Conflicts = append(res.Conflicts, &UnsatisfiableConstraint{
			Package:            dep.Name,
			InstalledVersion:   trove.Version,
			RequiredConstraint: dep.Constraint,
			RequiredBy:         requiredBy,
		})
		return nil
	}
	// Already installed and satisfactory: no plan entry needed, but the
	// node must exist so addEdge below has somewhere to point.
	graph.addNode(dep.Name, PlanEntry{})
	graph.noop[dep.Name] = true
	return nil
}

func planRemove(store storage.Store, change RequestedChange, graph *depGraph, res *Result) error {
	trove, err := store.GetTroveByNVA(change.Name, change.Version, change.Architecture)
	if err != nil {
		return fmt.Errorf("resolver: remove target %s %s not installed: %w", change.Name, change.Version, err)
	}
	if trove.Pinned {
		res.Conflicts = append(res.Conflicts, &UnsatisfiableConstraint{
			Package:            change.Name,
			InstalledVersion:   trove.Version,
			RequiredConstraint: "pinned",
			RequiredBy:         "remove request",
		})
		return nil
	}

	dependents, err := store.ListDependents(change.Name)
	if err != nil {
		return err
	}
	var requiredBy []string
	for _, d := range dependents {
		dtrove, err := store.GetTrove(d.TroveID)
		if err != nil {
			continue
		}
		if dtrove.Name == change.Name {
			continue
		}
		requiredBy = append(requiredBy, dtrove.Name)
	}
	if len(requiredBy) > 0 {
		res.Conflicts = append(res.Conflicts, &UnsatisfiableConstraint{
			Package:            change.Name,
			InstalledVersion:   trove.Version,
			RequiredConstraint: "removed",
			RequiredBy:         fmt.Sprintf("%v", requiredBy),
		})
		return nil
	}

	graph.addNode(change.Name, PlanEntry{Op: OpRemove, Name: change.Name, FromVersion: trove.Version})
	return nil
}

func latestInstalled(store storage.Store, name string) (*types.Trove, error) {
	troves, err := store.ListTrovesByName(name)
	if err != nil {
		return nil, err
	}
	var best *types.Trove
	for _, t := range troves {
		if best == nil || compareVersions(t.Version, best.Version) > 0 {
			best = t
		}
	}
	return best, nil
}
