package resilience

import "context"

// Sufficient reports whether a primary result needs no supplement. A nil
// predicate treats every successful result as sufficient.
type Sufficient func(value any) bool

// Merge combines a primary and fallback result when the primary succeeded but
// was judged insufficient. A nil merge keeps the fallback result.
type Merge func(primary, fallback any) any

// ExecuteWithFallback runs primary; when it fails, the fallback result is
// returned instead. When primary succeeds but sufficient reports false, the
// fallback also runs and the two results are merged. Both failing returns the
// primary's classified failure with the fallback error attached as a detail.
func ExecuteWithFallback(
	ctx context.Context,
	primary, fallback func(ctx context.Context) (any, error),
	sufficient Sufficient,
	merge Merge,
) (any, error) {
	value, err := primary(ctx)
	if err == nil && (sufficient == nil || sufficient(value)) {
		return value, nil
	}
	fbValue, fbErr := fallback(ctx)
	if err != nil {
		if fbErr != nil {
			return nil, Classify(err).WithDetail("fallback_error", fbErr.Error())
		}
		return fbValue, nil
	}
	if fbErr != nil {
		// Primary succeeded but was thin and the fallback failed; the thin
		// result is still the best available.
		return value, nil
	}
	if merge == nil {
		return fbValue, nil
	}
	return merge(value, fbValue), nil
}

// MergeStringSlices concatenates two []string results, dropping duplicates
// from the fallback. It is the default merge for list-shaped data source
// results keyed by external id or URL.
func MergeStringSlices(primary, fallback any) any {
	p, pok := primary.([]string)
	f, fok := fallback.([]string)
	if !pok || !fok {
		return primary
	}
	seen := make(map[string]struct{}, len(p))
	merged := make([]string, 0, len(p)+len(f))
	for _, s := range p {
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	for _, s := range f {
		if _, dup := seen[s]; !dup {
			merged = append(merged, s)
		}
	}
	return merged
}
