/*
hierarchy.go - Bounded traversal of the designation and department trees

PURPOSE:
  Designations and departments are self-referencing trees (parent_id).
  Nothing in the database stops an administrator from making A the
  parent of B and B the parent of A, so every walk here tracks visited
  nodes and fails with ErrHierarchyCycle instead of looping. Walks are
  also capped at MaxDepth levels.

ORDERING:
  Ancestors:   nearest parent first
  Descendants: breadth-first, children of the same parent by id
*/
package engine

import (
	"context"
	"fmt"
	"sort"
)

// DefaultMaxDepth bounds every hierarchy walk.
const DefaultMaxDepth = 64

// OrgDirectory answers organizational reachability questions.
type OrgDirectory struct {
	Store    OrgStore
	MaxDepth int
}

func NewOrgDirectory(store OrgStore) *OrgDirectory {
	return &OrgDirectory{Store: store, MaxDepth: DefaultMaxDepth}
}

// ActingUser loads a user's organizational position, including the
// designation chain above them.
func (o *OrgDirectory) ActingUser(ctx context.Context, id UserID) (ActingUser, error) {
	u, err := o.Store.GetUser(ctx, id)
	if err != nil {
		return ActingUser{}, err
	}
	chain, err := o.DesignationAncestors(ctx, u.DesignationID)
	if err != nil {
		return ActingUser{}, err
	}
	return ActingUser{ID: u.ID, DesignationID: u.DesignationID, DepartmentID: u.DepartmentID, RoleChain: chain}, nil
}

func (o *OrgDirectory) DesignationAncestors(ctx context.Context, id DesignationID) ([]DesignationID, error) {
	return ancestors(ctx, "designation", id, o.depth(), func(ctx context.Context, id DesignationID) (*DesignationID, error) {
		d, err := o.Store.GetDesignation(ctx, id)
		return d.ParentID, err
	})
}

func (o *OrgDirectory) DesignationDescendants(ctx context.Context, id DesignationID) ([]DesignationID, error) {
	return descendants(ctx, "designation", id, o.depth(), func(ctx context.Context, id DesignationID) ([]DesignationID, error) {
		children, err := o.Store.ListChildDesignations(ctx, id)
		ids := make([]DesignationID, len(children))
		for i, c := range children {
			ids[i] = c.ID
		}
		return ids, err
	})
}

func (o *OrgDirectory) DepartmentAncestors(ctx context.Context, id DepartmentID) ([]DepartmentID, error) {
	return ancestors(ctx, "department", id, o.depth(), func(ctx context.Context, id DepartmentID) (*DepartmentID, error) {
		d, err := o.Store.GetDepartment(ctx, id)
		return d.ParentID, err
	})
}

func (o *OrgDirectory) DepartmentDescendants(ctx context.Context, id DepartmentID) ([]DepartmentID, error) {
	return descendants(ctx, "department", id, o.depth(), func(ctx context.Context, id DepartmentID) ([]DepartmentID, error) {
		children, err := o.Store.ListChildDepartments(ctx, id)
		ids := make([]DepartmentID, len(children))
		for i, c := range children {
			ids[i] = c.ID
		}
		return ids, err
	})
}

func (o *OrgDirectory) depth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// =============================================================================
// GENERIC WALKS
// =============================================================================

type hierarchyID interface {
	~int64
}

// ancestors walks parent links from start, nearest first. start itself is
// not included.
func ancestors[ID hierarchyID](ctx context.Context, kind string, start ID, maxDepth int,
	parentOf func(context.Context, ID) (*ID, error)) ([]ID, error) {

	seen := map[ID]bool{start: true}
	var out []ID
	cur := start
	for depth := 0; ; depth++ {
		parent, err := parentOf(ctx, cur)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return out, nil
		}
		if seen[*parent] {
			return nil, fmt.Errorf("%w: %s %d is its own ancestor", ErrHierarchyCycle, kind, int64(*parent))
		}
		if depth >= maxDepth {
			return nil, fmt.Errorf("%w: %s %d is nested deeper than %d levels", ErrHierarchyCycle, kind, int64(start), maxDepth)
		}
		seen[*parent] = true
		out = append(out, *parent)
		cur = *parent
	}
}

// descendants walks child links from start breadth-first. start itself is
// not included.
func descendants[ID hierarchyID](ctx context.Context, kind string, start ID, maxDepth int,
	childrenOf func(context.Context, ID) ([]ID, error)) ([]ID, error) {

	seen := map[ID]bool{start: true}
	var out []ID
	level := []ID{start}
	for depth := 0; len(level) > 0; depth++ {
		if depth >= maxDepth {
			return nil, fmt.Errorf("%w: %s %d has descendants deeper than %d levels", ErrHierarchyCycle, kind, int64(start), maxDepth)
		}
		var next []ID
		for _, id := range level {
			children, err := childrenOf(ctx, id)
			if err != nil {
				return nil, err
			}
			sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
			for _, c := range children {
				if seen[c] {
					return nil, fmt.Errorf("%w: %s %d is reachable twice below %s %d", ErrHierarchyCycle, kind, int64(c), kind, int64(start))
				}
				seen[c] = true
				out = append(out, c)
				next = append(next, c)
			}
		}
		level = next
	}
	return out, nil
}
