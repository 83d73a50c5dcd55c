package sim

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/synaptic-view/model"
)

// ErrBehaviorFault is wrapped by every BehaviorFaultError.
var ErrBehaviorFault = errors.New("behavior fault")

// errRateUnavailable is reported when the wall clock did not advance across
// the measurement window.
var errRateUnavailable = errors.New("tick rate unavailable: clock did not advance")

// BehaviorFaultError records a behaviour that failed or panicked while
// advancing one entity. The entity keeps its previous attributes.
type BehaviorFaultError struct {
	ID   model.EntityID
	Tick uint64
	Err  error
}

func (e *BehaviorFaultError) Error() string {
	return fmt.Sprintf("behavior fault: entity %d at tick %d: %v", e.ID, e.Tick, e.Err)
}

func (e *BehaviorFaultError) Unwrap() []error { return []error{ErrBehaviorFault, e.Err} }
