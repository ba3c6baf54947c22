package probe

// Variant is one way of shaping a media probe request.
type Variant struct {
	Name string `json:"name"`

	// InlineBase64 sends media bytes inline; false references them by URL.
	InlineBase64 bool `json:"inline_base64"`

	// ImagesFirst places the media part before the text instruction.
	ImagesFirst bool `json:"images_first"`
}

func newVariant(inline, imagesFirst bool) Variant {
	v := Variant{InlineBase64: inline, ImagesFirst: imagesFirst}
	v.Name = v.key()
	return v
}

func (v Variant) key() string {
	name := "url"
	if v.InlineBase64 {
		name = "base64"
	}
	if v.ImagesFirst {
		name += "+media_first"
	}
	return name
}

// State is the position of a probe in its retry machine.
type State string

const (
	StateUntried      State = "untried"
	StateAttempting   State = "attempting"
	StateSuccess      State = "success"
	StateClassified   State = "classified_failure"
	StateInconclusive State = "inconclusive"
)

// Machine drives retry-with-variant for one probe kind:
//
//	untried -> attempting(variant) -> success | classified_failure | inconclusive
//
// Only capability-format signatures (base64, content type, ordering) queue an
// alternate variant. The queue is bounded by 1+retries attempts, and a
// variant is never tried twice.
type Machine struct {
	state    State
	queue    []Variant
	tried    map[string]bool
	attempts []Attempt
	budget   int
	canURL   bool
}

// NewMachine starts a machine at initial. canURL reports whether a
// URL-referenced variant can be built (a fixture URL is configured).
func NewMachine(initial Variant, retries int, canURL bool) *Machine {
	if retries < 0 {
		retries = 0
	}
	initial.Name = initial.key()
	return &Machine{
		state:  StateUntried,
		queue:  []Variant{initial},
		tried:  map[string]bool{},
		budget: 1 + retries,
		canURL: canURL,
	}
}

// Next returns the next variant to attempt, or false when the machine is done.
func (m *Machine) Next() (Variant, bool) {
	if m.Done() || len(m.queue) == 0 || len(m.attempts) >= m.budget {
		return Variant{}, false
	}
	v := m.queue[0]
	m.queue = m.queue[1:]
	m.tried[v.key()] = true
	m.state = StateAttempting
	return v, true
}

// Observe records an attempt and advances the machine.
func (m *Machine) Observe(a Attempt) {
	m.attempts = append(m.attempts, a)

	switch a.Outcome {
	case OutcomeSuccess:
		m.state = StateSuccess
		m.queue = nil
		return
	case OutcomeInconclusive:
		m.state = StateInconclusive
		m.queue = nil
		return
	}

	m.state = StateClassified
	if alt, ok := m.alternate(a.Variant, a.Signature); ok {
		m.queue = append(m.queue, alt)
	} else {
		m.queue = nil
	}
}

// alternate maps a format complaint to the variant that answers it.
func (m *Machine) alternate(v Variant, sig Signature) (Variant, bool) {
	var alt Variant
	switch sig {
	case SigRequiresBase64:
		if v.InlineBase64 {
			return Variant{}, false
		}
		alt = newVariant(true, v.ImagesFirst)
	case SigInvalidContentType:
		if v.InlineBase64 && !m.canURL {
			return Variant{}, false
		}
		alt = newVariant(!v.InlineBase64, v.ImagesFirst)
	case SigImagesFirst:
		if v.ImagesFirst {
			return Variant{}, false
		}
		alt = newVariant(v.InlineBase64, true)
	default:
		return Variant{}, false
	}
	if m.tried[alt.key()] {
		return Variant{}, false
	}
	return alt, true
}

// Done reports whether the machine reached a terminal state.
func (m *Machine) Done() bool {
	switch m.state {
	case StateSuccess, StateInconclusive:
		return true
	case StateClassified:
		return len(m.queue) == 0 || len(m.attempts) >= m.budget
	}
	return false
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns every attempt observed so far.
func (m *Machine) Attempts() []Attempt { return m.attempts }

// Outcome maps the final state to a probe outcome.
func (m *Machine) Outcome() Outcome {
	switch m.state {
	case StateSuccess:
		return OutcomeSuccess
	case StateClassified:
		return OutcomeClassified
	default:
		return OutcomeInconclusive
	}
}
