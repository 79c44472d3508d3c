// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package source

import (
	"fmt"
	"sort"

	"github.com/custodia-engine/custodia/internal/models"
)

// DependencyGraph orders tables by their foreign-key dependencies so
// restore replays parents before children.
type DependencyGraph struct {
	nodes map[string][]string // table -> tables it depends on
}

// NewDependencyGraph builds the graph from table specs. Every declared
// dependency must itself be a configured table.
func NewDependencyGraph(specs []models.TableSpec) (*DependencyGraph, error) {
	g := &DependencyGraph{nodes: make(map[string][]string, len(specs))}
	for _, spec := range specs {
		g.nodes[spec.Name] = spec.DependsOn
	}
	for table, deps := range g.nodes {
		for _, dep := range deps {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("table %s depends on unconfigured table %s", table, dep)
			}
		}
	}
	if _, err := g.Order(); err != nil {
		return nil, err
	}
	return g, nil
}

// Order returns all tables dependency-first: a table appears after every
// table it depends on. Ties break alphabetically so the order is stable
// across runs. A dependency cycle is a configuration error.
func (g *DependencyGraph) Order() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(table string) error
	visit = func(table string) error {
		switch state[table] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through table %s", table)
		}
		state[table] = visiting

		deps := append([]string(nil), g.nodes[table]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[table] = done
		order = append(order, table)
		return nil
	}

	roots := make([]string, 0, len(g.nodes))
	for table := range g.nodes {
		roots = append(roots, table)
	}
	sort.Strings(roots)
	for _, table := range roots {
		if err := visit(table); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Subset returns the given tables plus every table they transitively
// depend on, in dependency-first order. Selective restore must pull in
// dependencies or replayed rows would reference missing parents.
func (g *DependencyGraph) Subset(tables []string) ([]string, error) {
	needed := make(map[string]struct{})
	var include func(table string) error
	include = func(table string) error {
		if _, ok := needed[table]; ok {
			return nil
		}
		deps, ok := g.nodes[table]
		if !ok {
			return fmt.Errorf("unknown table %s", table)
		}
		needed[table] = struct{}{}
		for _, dep := range deps {
			if err := include(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, table := range tables {
		if err := include(table); err != nil {
			return nil, err
		}
	}

	full, err := g.Order()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(needed))
	for _, table := range full {
		if _, ok := needed[table]; ok {
			out = append(out, table)
		}
	}
	return out, nil
}
