package graph

import "github.com/orneryd/graphkv/pkg/model"

// MergeFunc combines stored properties with a patch. It must not retain or
// modify current.
type MergeFunc func(current, patch model.Properties) model.Properties

// MergeShallow overwrites top-level keys of current with those in patch.
func MergeShallow(current, patch model.Properties) model.Properties {
	out := current.Clone()
	for k, v := range patch {
		out[k] = v.Clone()
	}
	return out
}

// MergeReplace discards current and keeps patch.
func MergeReplace(_, patch model.Properties) model.Properties {
	return patch.Clone()
}

// MergeDeep is MergeShallow, except that when both sides hold a map under
// the same key the two maps are merged recursively.
func MergeDeep(current, patch model.Properties) model.Properties {
	out := current.Clone()
	for k, v := range patch {
		if pm, ok := v.AsMap(); ok {
			if cm, ok := out[k].AsMap(); ok {
				out[k] = model.Map(MergeDeep(cm, pm))
				continue
			}
		}
		out[k] = v.Clone()
	}
	return out
}
