package engine

// Debounce counts up on relevant frames and decays by one otherwise,
// never below zero.
type Debounce struct {
	count     int
	threshold int
}

// NewDebounce creates a counter that is reached at threshold
func NewDebounce(threshold int) *Debounce {
	return &Debounce{threshold: threshold}
}

// Update applies one frame and returns the new count
func (d *Debounce) Update(relevant bool) int {
	if relevant {
		d.count++
	} else if d.count > 0 {
		d.count--
	}
	return d.count
}

// Count returns the current count
func (d *Debounce) Count() int { return d.count }

// Threshold returns the confirmation threshold
func (d *Debounce) Threshold() int { return d.threshold }

// Reached reports count >= threshold
func (d *Debounce) Reached() bool { return d.count >= d.threshold }
