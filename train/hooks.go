// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Priority of hook execution: hooks with lower values run first. Hooks
// with the same priority run in registration order.
type Priority int

const (
	// PriorityFirst is a convenience priority to run before the default.
	PriorityFirst = Priority(-100)
	// PriorityDefault for hooks that don't care about ordering.
	PriorityDefault = Priority(0)
	// PriorityLast is a convenience priority to run after the default.
	PriorityLast = Priority(100)
)

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks by priority and registration order.
type priorityHooks[F any] struct {
	hooks map[Priority][]hookWithName[F]
}

// Add a hook with the given priority.
func (h *priorityHooks[F]) Add(priority Priority, name string, fn F) {
	if h.hooks == nil {
		h.hooks = make(map[Priority][]hookWithName[F])
	}
	h.hooks[priority] = append(h.hooks[priority], hookWithName[F]{name: name, fn: fn})
}

// Enumerate calls apply on each hook in priority order. apply returns the
// hook's error; enumeration stops at the first failure and the offending
// hook's name is returned with the error.
func (h *priorityHooks[F]) Enumerate(apply func(fn F) error) (string, error) {
	priorities := maps.Keys(h.hooks)
	slices.Sort(priorities)
	for _, priority := range priorities {
		for _, hook := range h.hooks[priority] {
			if err := apply(hook.fn); err != nil {
				return hook.name, err
			}
		}
	}
	return "", nil
}
