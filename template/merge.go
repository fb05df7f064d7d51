package template

import (
	"sort"

	"github.com/teranos/measurely/errors"
)

// Merge combines stored user parameter values with engine-calculated values
// into one substitution context.
//
// Calculated keys always win over colliding user keys: user-supplied date
// ranges are forbidden upstream, so a collision here means tampered or
// corrupted instance data and the engine-computed window must prevail.
//
// Returns ErrMissingRequiredParameter carrying EVERY missing required key,
// not just the first, so an operator can fix the configuration in one pass.
func Merge(doc *Document, userParams map[string]string, calculated map[string]string) (map[string]string, error) {
	ctx := make(map[string]string, len(userParams)+len(calculated))

	for k, v := range userParams {
		ctx[k] = v
	}
	for k, v := range calculated {
		ctx[k] = v
	}

	var missing []string
	for _, key := range doc.Required {
		if v, ok := ctx[key]; !ok || v == "" {
			missing = append(missing, key)
		}
	}
	for _, key := range doc.System {
		if v, ok := ctx[key]; !ok || v == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.NewMissingParameters(missing)
	}

	return ctx, nil
}
