package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
)

type (
	// Change is a single difference between two resolved snapshots. Hot
	// reload turns a diff into scheduler adjustments and per-change events.
	Change struct {
		// Type is one of ChangeAdded, ChangeRemoved, ChangeModified.
		Type ChangeType
		// Category is one of CategoryAgent, CategorySchedule, CategoryFleet.
		Category ChangeCategory
		// QualifiedName identifies the changed entity: the agent's qualified
		// name, "<agent>/<schedule>" for schedules, or the dotted fleet path.
		QualifiedName string
		// Details is a short human-readable description of the change.
		Details string
	}

	// ChangeType discriminates how an entity changed.
	ChangeType string

	// ChangeCategory discriminates what kind of entity changed.
	ChangeCategory string
)

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"

	CategoryAgent    ChangeCategory = "agent"
	CategorySchedule ChangeCategory = "schedule"
	CategoryFleet    ChangeCategory = "fleet"
)

// Diff computes the minimal change set between two resolved snapshots.
// Diff(c, c) is empty, and reordering sibling references without content
// changes produces no agent-level changes: comparison is keyed by qualified
// name, never by position.
func Diff(prev, next *ResolvedConfig) []Change {
	var changes []Change

	prevAgents := agentsByName(prev)
	nextAgents := agentsByName(next)

	names := lo.Uniq(append(lo.Keys(prevAgents), lo.Keys(nextAgents)...))
	sort.Strings(names)

	for _, name := range names {
		pa, inPrev := prevAgents[name]
		na, inNext := nextAgents[name]
		switch {
		case !inPrev:
			changes = append(changes, Change{Type: ChangeAdded, Category: CategoryAgent, QualifiedName: name,
				Details: fmt.Sprintf("agent added with %d schedule(s)", len(na.Schedules))})
			continue
		case !inNext:
			changes = append(changes, Change{Type: ChangeRemoved, Category: CategoryAgent, QualifiedName: name,
				Details: "agent removed"})
			continue
		}
		if agentHash(pa) != agentHash(na) {
			changes = append(changes, Change{Type: ChangeModified, Category: CategoryAgent, QualifiedName: name,
				Details: "agent configuration changed"})
		}
		changes = append(changes, diffSchedules(name, pa, na)...)
	}

	changes = append(changes, diffFleets(prev, next)...)
	return changes
}

func diffSchedules(agent string, prev, next *Agent) []Change {
	var changes []Change
	names := lo.Uniq(append(lo.Keys(prev.Schedules), lo.Keys(next.Schedules)...))
	sort.Strings(names)
	for _, name := range names {
		q := agent + "/" + name
		ps, inPrev := prev.Schedules[name]
		ns, inNext := next.Schedules[name]
		switch {
		case !inPrev:
			changes = append(changes, Change{Type: ChangeAdded, Category: CategorySchedule, QualifiedName: q,
				Details: fmt.Sprintf("%s schedule added", ns.Kind)})
		case !inNext:
			changes = append(changes, Change{Type: ChangeRemoved, Category: CategorySchedule, QualifiedName: q,
				Details: "schedule removed"})
		case mustHash(ps) != mustHash(ns):
			changes = append(changes, Change{Type: ChangeModified, Category: CategorySchedule, QualifiedName: q,
				Details: "schedule changed"})
		}
	}
	return changes
}

func diffFleets(prev, next *ResolvedConfig) []Change {
	pf := fleetSet(prev)
	nf := fleetSet(next)
	paths := lo.Uniq(append(lo.Keys(pf), lo.Keys(nf)...))
	sort.Strings(paths)
	var changes []Change
	for _, p := range paths {
		switch {
		case !pf[p]:
			changes = append(changes, Change{Type: ChangeAdded, Category: CategoryFleet, QualifiedName: p, Details: "fleet added"})
		case !nf[p]:
			changes = append(changes, Change{Type: ChangeRemoved, Category: CategoryFleet, QualifiedName: p, Details: "fleet removed"})
		}
	}
	return changes
}

func agentsByName(c *ResolvedConfig) map[string]*Agent {
	if c == nil {
		return map[string]*Agent{}
	}
	return lo.SliceToMap(c.Agents, func(a *Agent) (string, *Agent) { return a.QualifiedName, a })
}

// fleetSet collects every fleet path prefix present in the snapshot.
func fleetSet(c *ResolvedConfig) map[string]bool {
	out := map[string]bool{}
	if c == nil {
		return out
	}
	for _, a := range c.Agents {
		for i := range a.FleetPath {
			out[strings.Join(a.FleetPath[:i+1], ".")] = true
		}
	}
	return out
}

// agentHash hashes the agent's execution configuration with schedules
// excluded; schedule changes are reported in their own category.
func agentHash(a *Agent) uint64 {
	clone := *a
	clone.Schedules = nil
	return mustHash(clone)
}

func mustHash(v any) uint64 {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing only fails on unsupported types, which the resolved
		// structures do not contain.
		return 0
	}
	return h
}
