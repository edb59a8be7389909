package graph

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle among declared groups. A graph
// with a cycle is rejected as a whole; no partial order is produced.
type CycleError struct {
	Names []string // groups that could not be ordered, in declaration order
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among groups: %s", strings.Join(e.Names, ", "))
}

// DanglingRefError reports a dependsOn reference to a group that is not
// declared anywhere in the revision.
type DanglingRefError struct {
	Group string // the group carrying the bad reference
	Ref   string // the undeclared dependency name
}

func (e *DanglingRefError) Error() string {
	return fmt.Sprintf("group %q depends on undeclared group %q", e.Group, e.Ref)
}
