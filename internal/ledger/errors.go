package ledger

import "fmt"

// InsufficientCreditsError is an expected business condition, not an
// exceptional failure. It carries enough structure for callers to present
// an exact shortfall and a top-up path.
type InsufficientCreditsError struct {
	Required int64
	Current  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d (short %d)", e.Required, e.Current, e.Shortfall())
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Current
}
