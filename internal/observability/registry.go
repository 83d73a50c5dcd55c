package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// register adds c to reg. When a collector with the same descriptor is
// already registered the existing one is returned, so collectors can be
// built more than once against the same registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		var zero C
		return zero, fmt.Errorf("register %s: %w", name, err)
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("collector %s already registered with incompatible type %T", name, are.ExistingCollector)
	}
	return existing, nil
}
