package hooks

import (
	"provisioner/internal/solution"
	"provisioner/internal/vars"
)

// shouldRun evaluates w against b. The compared value is substituted first;
// an unbound field compares as "".
func shouldRun(w *solution.When, b *vars.Bindings) (bool, error) {
	if w == nil {
		return true, nil
	}
	actual := b.Get(w.Field)
	if w.Value != nil {
		want, err := vars.Substitute(*w.Value, b)
		if err != nil {
			return false, err
		}
		return actual == want, nil
	}
	if w.NotValue != nil {
		want, err := vars.Substitute(*w.NotValue, b)
		if err != nil {
			return false, err
		}
		return actual != want, nil
	}
	return true, nil
}
