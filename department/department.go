// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package department holds the immutable registry of support
// departments a user can be routed to. The registry is built once at
// startup from configuration and is safe for concurrent reads; there
// is no mutation after construction.
package department

import (
	"fmt"

	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/ref"
)

// Department describes one support department.
type Department struct {
	// ID is the stable identifier used in callback data, state events,
	// and persisted conversation records.
	ID string

	// DisplayName is shown to end users in the department menu.
	DisplayName string

	// Icon is an optional emoji prefix for the menu entry.
	Icon string

	// Description is an optional one-line summary for the menu.
	Description string

	// BotUserID is the department bot account that creates and owns
	// conversation rooms.
	BotUserID ref.UserID

	// AdminUserID is granted power level 100 in conversation rooms.
	// May be zero.
	AdminUserID ref.UserID

	// Staff are invited to every conversation room for this
	// department, each granted power level 50.
	Staff []ref.UserID
}

// MenuLabel returns the text shown on the department's menu button:
// the icon (when set) followed by the display name.
func (d Department) MenuLabel() string {
	if d.Icon == "" {
		return d.DisplayName
	}
	return d.Icon + " " + d.DisplayName
}

// Registry is an immutable set of departments with O(1) lookup by ID.
type Registry struct {
	ordered []Department
	byID    map[string]Department
}

// NewRegistry builds a registry from the given departments. IDs must
// be non-empty and unique. Order is preserved for All.
func NewRegistry(departments []Department) (*Registry, error) {
	if len(departments) == 0 {
		return nil, fmt.Errorf("department: at least one department is required")
	}

	registry := &Registry{
		ordered: make([]Department, len(departments)),
		byID:    make(map[string]Department, len(departments)),
	}
	copy(registry.ordered, departments)

	for _, dept := range registry.ordered {
		if dept.ID == "" {
			return nil, fmt.Errorf("department: empty department ID")
		}
		if _, exists := registry.byID[dept.ID]; exists {
			return nil, fmt.Errorf("department: duplicate department ID %q", dept.ID)
		}
		registry.byID[dept.ID] = dept
	}
	return registry, nil
}

// FromConfig builds a registry from validated configuration. The user
// IDs have already passed config.Validate, so parse failures here
// indicate a bug rather than bad input.
func FromConfig(configs []config.DepartmentConfig) (*Registry, error) {
	departments := make([]Department, 0, len(configs))
	for _, cfg := range configs {
		botUserID, err := ref.ParseUserID(cfg.BotUserID)
		if err != nil {
			return nil, fmt.Errorf("department %s: %w", cfg.ID, err)
		}

		var adminUserID ref.UserID
		if cfg.AdminUserID != "" {
			adminUserID, err = ref.ParseUserID(cfg.AdminUserID)
			if err != nil {
				return nil, fmt.Errorf("department %s: %w", cfg.ID, err)
			}
		}

		staff := make([]ref.UserID, 0, len(cfg.Staff))
		for _, raw := range cfg.Staff {
			userID, err := ref.ParseUserID(raw)
			if err != nil {
				return nil, fmt.Errorf("department %s: %w", cfg.ID, err)
			}
			staff = append(staff, userID)
		}

		departments = append(departments, Department{
			ID:          cfg.ID,
			DisplayName: cfg.DisplayName,
			Icon:        cfg.Icon,
			Description: cfg.Description,
			BotUserID:   botUserID,
			AdminUserID: adminUserID,
			Staff:       staff,
		})
	}
	return NewRegistry(departments)
}

// Lookup returns the department with the given ID. The boolean result
// is false when no such department exists; an unknown ID is a normal
// miss, not an error.
func (r *Registry) Lookup(id string) (Department, bool) {
	dept, ok := r.byID[id]
	return dept, ok
}

// All returns the departments in their configured order. The returned
// slice is a copy; callers cannot mutate the registry through it.
func (r *Registry) All() []Department {
	all := make([]Department, len(r.ordered))
	copy(all, r.ordered)
	return all
}

// Len returns the number of departments.
func (r *Registry) Len() int {
	return len(r.ordered)
}
