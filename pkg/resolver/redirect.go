package resolver

import (
	"fmt"

	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

// ResolvedName is the result of following a package's redirect chain.
type ResolvedName struct {
	Name     string
	Version  string
	Chain    []string
	Messages []string
}

// ResolveRedirect follows the chain of Redirect rows starting at
// (name, version), returning the final identity. At install time the
// transaction engine calls this first; only the resolved target is fed
// to Resolve.
func ResolveRedirect(store storage.Store, name, version string) (*ResolvedName, error) {
	result := &ResolvedName{Name: name, Version: version, Chain: []string{name}}
	visited := map[string]bool{name: true}

	current := name
	for {
		redirects, err := store.ListRedirectsFrom(current)
		if err != nil {
			return nil, err
		}
		if len(redirects) == 0 {
			return result, nil
		}

		r := selectRedirect(redirects, version)
		if r == nil {
			return result, nil
		}

		if visited[r.TargetName] {
			return nil, fmt.Errorf("resolver: redirect cycle detected at %s -> %s", current, r.TargetName)
		}
		visited[r.TargetName] = true

		result.Name = r.TargetName
		result.Version = r.TargetVersion
		result.Chain = append(result.Chain, r.TargetName)
		if r.Message != "" {
			result.Messages = append(result.Messages, r.Message)
		}
		current = r.TargetName
	}
}

// selectRedirect picks the first redirect matching version when
// version-specific redirects exist, otherwise the first version-less
// (wildcard) redirect.
func selectRedirect(redirects []*types.Redirect, version string) *types.Redirect {
	var wildcard *types.Redirect
	for _, r := range redirects {
		if r.SourceVersion == "" {
			if wildcard == nil {
				wildcard = r
			}
			continue
		}
		if r.SourceVersion == version {
			return r
		}
	}
	return wildcard
}

// WouldCreateCycle reports whether adding a redirect source->target
// would close a cycle in the existing redirect graph, without writing
// anything. Callers must check this before CreateRedirect, per §8's
// "redirect chain insertion that would create a cycle is rejected
// before any row is written".
func WouldCreateCycle(store storage.Store, source, target string) (bool, error) {
	if source == target {
		return true, nil
	}
	visited := map[string]bool{source: true}
	current := target
	for {
		if visited[current] {
			return true, nil
		}
		visited[current] = true

		redirects, err := store.ListRedirectsFrom(current)
		if err != nil {
			return false, err
		}
		if len(redirects) == 0 {
			return false, nil
		}
		current = redirects[0].TargetName
	}
}
