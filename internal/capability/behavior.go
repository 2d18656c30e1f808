package capability

import "errors"

// ErrBehaviorUnbound is returned when a reconstructed capability is invoked
// before the caller re-attached a concrete behavior with Store.Bind.
var ErrBehaviorUnbound = errors.New("capability behavior is not bound")

// Behavior is the invocable payload of a capability. The registry never looks
// inside it beyond calling Invoke and asking for a description.
type Behavior interface {
	Invoke(input any) (any, error)
}

// Describer is implemented by behaviors that can explain themselves. The text
// feeds pattern extraction.
type Describer interface {
	Describe() string
}

// Func adapts a plain function to Behavior.
type Func func(input any) (any, error)

func (f Func) Invoke(input any) (any, error) {
	return f(input)
}

// DescribeFunc produces the description for a behavior that was registered
// without one.
type DescribeFunc func(name string, behavior Behavior) string

// DefaultDescribe asks the behavior itself when it implements Describer.
func DefaultDescribe(_ string, behavior Behavior) string {
	if d, ok := behavior.(Describer); ok {
		return d.Describe()
	}
	return ""
}

type described struct {
	Behavior
	text string
}

func (d described) Describe() string {
	return d.text
}

// WithDescription attaches a fixed description to a behavior.
func WithDescription(behavior Behavior, text string) Behavior {
	return described{Behavior: behavior, text: text}
}
