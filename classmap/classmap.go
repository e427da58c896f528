// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classmap maps raw dataset label names to contiguous class ids.
//
// A ClassMap lets several raw directory names fold into the same class:
// e.g. {"cat", "kitten"} -> 0 and {"dog"} -> 1. Class ids must be
// contiguous starting at 0, and every raw label maps to exactly one id.
package classmap

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownLabel is returned by Resolve for raw labels absent from the map.
	ErrUnknownLabel = errors.New("unknown raw label")

	// ErrDuplicateLabel is returned by New when the same raw label appears
	// under more than one class id.
	ErrDuplicateLabel = errors.New("raw label mapped to multiple class ids")
)

// LabelSet is the collection of raw label names folded into one class.
//
// In JSON and YAML it accepts either a single string or a list of strings,
// so `0: cat` and `0: [cat, kitten]` both parse.
type LabelSet []string

// UnmarshalJSON accepts a string or a list of strings.
func (ls *LabelSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*ls = LabelSet{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "label set must be a string or a list of strings")
	}
	*ls = many
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (ls *LabelSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*ls = LabelSet{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*ls = many
		return nil
	default:
		return errors.Errorf("label set must be a string or a list of strings, got yaml node kind %v", node.Kind)
	}
}

// ClassMap resolves raw label names to class ids in [0, NumClasses).
// It is immutable after construction and safe for concurrent use.
type ClassMap struct {
	rawToID  map[string]int32
	idToRaws map[int32]LabelSet
	num      int32
}

// New builds a ClassMap from class id to the raw labels folded into it.
//
// The ids must be exactly 0..len(mapping)-1 and no raw label may appear
// under two different ids, otherwise it returns an error (wrapping
// ErrDuplicateLabel for the latter).
func New(mapping map[int32]LabelSet) (*ClassMap, error) {
	if len(mapping) == 0 {
		return nil, errors.New("class map is empty")
	}
	cm := &ClassMap{
		rawToID:  make(map[string]int32),
		idToRaws: make(map[int32]LabelSet, len(mapping)),
		num:      int32(len(mapping)),
	}
	for id := int32(0); id < cm.num; id++ {
		raws, found := mapping[id]
		if !found {
			return nil, errors.Errorf("class ids must be contiguous starting at 0: id %d is missing among %d classes", id, cm.num)
		}
		if len(raws) == 0 {
			return nil, errors.Errorf("class id %d has no raw labels", id)
		}
		for _, raw := range raws {
			if prev, dup := cm.rawToID[raw]; dup {
				return nil, errors.Wrapf(ErrDuplicateLabel, "raw label %q appears under class ids %d and %d", raw, prev, id)
			}
			cm.rawToID[raw] = id
		}
		cm.idToRaws[id] = raws
	}
	return cm, nil
}

// FromFile loads a ClassMap from a JSON file mapping class id to raw
// label(s), e.g. {"0": ["cat", "kitten"], "1": "dog"}.
func FromFile(path string) (*ClassMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read class map from %q", path)
	}
	var mapping map[int32]LabelSet
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, errors.Wrapf(err, "failed to parse class map from %q", path)
	}
	cm, err := New(mapping)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid class map in %q", path)
	}
	return cm, nil
}

// Resolve returns the class id for a raw label, or an error wrapping
// ErrUnknownLabel if the raw label isn't in the map.
func (cm *ClassMap) Resolve(raw string) (int32, error) {
	id, found := cm.rawToID[raw]
	if !found {
		return 0, errors.Wrapf(ErrUnknownLabel, "raw label %q", raw)
	}
	return id, nil
}

// NumClasses returns the number of distinct class ids.
func (cm *ClassMap) NumClasses() int { return int(cm.num) }

// RawLabels returns the raw labels folded into the given class id,
// or nil if the id is out of range.
func (cm *ClassMap) RawLabels(id int32) LabelSet { return cm.idToRaws[id] }

// RawNames returns all known raw label names, sorted.
func (cm *ClassMap) RawNames() []string {
	names := make([]string, 0, len(cm.rawToID))
	for raw := range cm.rawToID {
		names = append(names, raw)
	}
	sort.Strings(names)
	return names
}
