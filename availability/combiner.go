package availability

import "github.com/c0deZ3R0/go-persistent-stack/types"

// Decision is the outcome of one combined update.
type Decision struct {
	Mode         types.Mode
	Preference   bool
	Availability Availability
}

// Combiner holds the latest value of each input. It emits nothing until both
// slots are filled, then one Decision per slot change. Repeating a slot's
// current value is not a change.
type Combiner struct {
	pref    bool
	avail   Availability
	hasPref bool
	hasAvl  bool
}

// SetPreference records a preference value.
func (c *Combiner) SetPreference(enabled bool) (Decision, bool) {
	if c.hasPref && c.pref == enabled {
		return Decision{}, false
	}
	c.pref, c.hasPref = enabled, true
	return c.emit()
}

// SetAvailability records an availability value.
func (c *Combiner) SetAvailability(a Availability) (Decision, bool) {
	if c.hasAvl && c.avail == a {
		return Decision{}, false
	}
	c.avail, c.hasAvl = a, true
	return c.emit()
}

func (c *Combiner) emit() (Decision, bool) {
	if !c.hasPref || !c.hasAvl {
		return Decision{}, false
	}
	return Decide(c.pref, c.avail), true
}

// Decide maps a preference and an availability to a mode.
func Decide(preference bool, a Availability) Decision {
	d := Decision{Mode: types.LocalOnly, Preference: preference, Availability: a}
	if preference && a.IsAvailable() {
		d.Mode = types.CloudSynced
	}
	return d
}
