package resolver

import "fmt"

// Conflict is a structured reason the resolver could not produce a
// plan. Every variant implements fmt.Stringer so it can be carried
// inside errs.ResolverConflict without pkg/resolver depending on
// pkg/errs.
type Conflict interface {
	fmt.Stringer
	isConflict()
}

// UnsatisfiableConstraint reports that an installed, pinned version
// cannot satisfy a newly required constraint.
type UnsatisfiableConstraint struct {
	Package            string
	InstalledVersion   string
	RequiredConstraint string
	RequiredBy         string
}

func (c *UnsatisfiableConstraint) String() string {
	return fmt.Sprintf("package %s is installed at %s but %s requires %s",
		c.Package, c.InstalledVersion, c.RequiredBy, c.RequiredConstraint)
}
func (c *UnsatisfiableConstraint) isConflict() {}

// ConflictingConstraints reports that two or more requirers disagree on
// an acceptable version range for the same package.
type ConflictingConstraints struct {
	Package     string
	Constraints []RequirerConstraint
}

// RequirerConstraint names one requirer's version constraint on a
// package, for use in ConflictingConstraints.
type RequirerConstraint struct {
	Requirer   string
	Constraint string
}

func (c *ConflictingConstraints) String() string {
	s := fmt.Sprintf("conflicting constraints on %s:", c.Package)
	for _, rc := range c.Constraints {
		s += fmt.Sprintf(" %s requires %s;", rc.Requirer, rc.Constraint)
	}
	return s
}
func (c *ConflictingConstraints) isConflict() {}

// CircularDependency reports a dependency cycle the resolver refuses to
// order, unlike the read-only pkg/storage tree walks which merely mark
// a cycle and continue.
type CircularDependency struct {
	Cycle []string
}

func (c *CircularDependency) String() string {
	s := "circular dependency:"
	for i, name := range c.Cycle {
		if i > 0 {
			s += " ->"
		}
		s += " " + name
	}
	return s
}
func (c *CircularDependency) isConflict() {}

// MissingPackage reports a required capability with no installed or
// available provider.
type MissingPackage struct {
	Package     string
	RequiredBy  []string
}

func (c *MissingPackage) String() string {
	return fmt.Sprintf("missing package %s, required by %v", c.Package, c.RequiredBy)
}
func (c *MissingPackage) isConflict() {}

// downgradeRefused reports a downgrade attempted without AllowDowngrade.
// It is a Conflict rather than a silent no-op, per §8's boundary
// behavior ("Resolver refuses a downgrade unless allow_downgrade; the
// refusal is a ResolverConflict, not a silent no-op").
type downgradeRefused struct {
	Package        string
	FromVersion    string
	ToVersion      string
}

func (c *downgradeRefused) String() string {
	return fmt.Sprintf("refusing to downgrade %s from %s to %s without allow_downgrade", c.Package, c.FromVersion, c.ToVersion)
}
func (c *downgradeRefused) isConflict() {}
