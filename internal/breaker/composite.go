package breaker

// Composite evaluates several sub-breakers in order and returns the most
// restrictive decision: if any sub-breaker denies, the whole call is denied.
// On a denial, the sub-breakers that already granted a slot record a failure
// and the remaining ones are not consulted. Nothing outside this package
// constructs a Composite; the Tools.CircuitBreakerMode setting is loaded into
// config but does not select one.
type Composite struct {
	breakers []*Breaker
}

// NewComposite builds a Composite over the given breakers, evaluated in order.
func NewComposite(breakers ...*Breaker) *Composite {
	return &Composite{breakers: breakers}
}

// Allow denies if any sub-breaker denies. The returned done func reports the
// outcome to every sub-breaker that granted a slot.
func (c *Composite) Allow() (done func(success bool), err error) {
	dones := make([]func(success bool), 0, len(c.breakers))
	for _, b := range c.breakers {
		d, err := b.Allow()
		if err != nil {
			for _, prior := range dones {
				prior(false)
			}
			return nil, err
		}
		dones = append(dones, d)
	}
	return func(success bool) {
		for _, d := range dones {
			d(success)
		}
	}, nil
}
