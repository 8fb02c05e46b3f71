package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// FieldMaps holds, per resource alias, target field -> source field. A nil
// source leaves the target field unset.
type FieldMaps map[string]map[string]*string

// LoadFieldMaps reads a field-mapping file. An empty path yields no maps.
func LoadFieldMaps(path string) (FieldMaps, error) {
	if path == "" {
		return FieldMaps{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("field maps: %w", err)
	}
	var fm FieldMaps
	if err := yaml.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("field maps %s: %w", path, err)
	}
	if fm == nil {
		fm = FieldMaps{}
	}
	for alias, fields := range fm {
		seen := map[string]string{}
		for target, src := range fields {
			if src == nil {
				continue
			}
			if prev, ok := seen[*src]; ok {
				return nil, fmt.Errorf("field maps %s: %s: source %q mapped to both %q and %q", path, alias, *src, prev, target)
			}
			seen[*src] = target
		}
	}
	return fm, nil
}

// Rename inverts the alias table into source -> target.
func (fm FieldMaps) Rename(alias string) map[string]string {
	fields, ok := fm[alias]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(fields))
	for target, src := range fields {
		if src != nil {
			out[*src] = target
		}
	}
	return out
}

// OutFields lists the source fields to request, sorted.
func (fm FieldMaps) OutFields(alias string) []string {
	var out []string
	for _, src := range fm[alias] {
		if src != nil {
			out = append(out, *src)
		}
	}
	slices.Sort(out)
	return out
}

// Targets lists every target field of alias, mapped or not, sorted.
func (fm FieldMaps) Targets(alias string) []string {
	out := make([]string, 0, len(fm[alias]))
	for target := range fm[alias] {
		out = append(out, target)
	}
	slices.Sort(out)
	return out
}
