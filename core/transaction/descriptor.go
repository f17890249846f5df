package transaction

import "fmt"

// Descriptor declares how one call site takes part in a shared transaction.
// It is a value: copies never observe later changes.
//
// Every call site sharing a Key is expected to declare the same Steps and
// Isolation. Only the descriptor that creates the transaction takes effect;
// disagreeing descriptors are logged when they join, never rejected.
type Descriptor struct {
	// Key names the shared transaction.
	Key string
	// Participates is the opt-out switch. NewDescriptor sets it.
	Participates bool
	// Steps is the number of executions expected to reference Key. The
	// transaction commits after the Steps-th one.
	Steps int
	// Isolation is used when the transaction is begun.
	Isolation IsolationLevel
	// Description is carried into logs and spans only.
	Description string
}

type DescriptorOption func(*Descriptor)

func WithIsolation(level IsolationLevel) DescriptorOption {
	return func(d *Descriptor) { d.Isolation = level }
}

func WithDescription(description string) DescriptorOption {
	return func(d *Descriptor) { d.Description = description }
}

// OptOut makes the call site run standalone even though it names a key.
func OptOut() DescriptorOption {
	return func(d *Descriptor) { d.Participates = false }
}

// NewDescriptor returns a participating descriptor.
func NewDescriptor(key string, steps int, opts ...DescriptorOption) Descriptor {
	d := Descriptor{Key: key, Participates: true, Steps: steps}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func (d Descriptor) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidDescriptor)
	}
	if d.Steps < 0 {
		return fmt.Errorf("%w: key %q declares %d steps", ErrInvalidDescriptor, d.Key, d.Steps)
	}
	return nil
}

// Transactional reports whether the call site joins a shared transaction.
// A descriptor with zero steps never begins one, so it runs standalone.
func (d Descriptor) Transactional() bool {
	return d.Participates && d.Steps > 0
}

// Agrees reports whether other would have created the same transaction.
func (d Descriptor) Agrees(other Descriptor) bool {
	return d.Steps == other.Steps && d.Isolation == other.Isolation
}
