package capability

import (
	"fmt"
	"sort"
	"time"
)

// Capability is a named, versioned unit of behavior with lineage.
type Capability struct {
	Name string
	// Version is the store generation the capability was registered in.
	Version     int
	Behavior    Behavior
	Description string
	Metadata    map[string]string
	Parents     []string
	Layer       int
	Strength    float64
	CreatedAt   time.Time
}

// Invoke calls the behavior, failing with ErrBehaviorUnbound for
// reconstructed roots that have not been re-bound yet.
func (c Capability) Invoke(input any) (any, error) {
	if c.Behavior == nil {
		return nil, fmt.Errorf("%w: %s", ErrBehaviorUnbound, c.Name)
	}
	return c.Behavior.Invoke(input)
}

func (c Capability) IsRoot() bool {
	return len(c.Parents) == 0
}

func (c Capability) Bound() bool {
	return c.Behavior != nil
}

// Tags renders metadata as sorted "key:value" strings.
func (c Capability) Tags() []string {
	return TagsOf(c.Metadata)
}

// TagsOf renders a metadata map as sorted "key:value" strings.
func TagsOf(metadata map[string]string) []string {
	tags := make([]string, 0, len(metadata))
	for k, v := range metadata {
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return tags
}

func (c Capability) clone() Capability {
	out := c
	out.Parents = append([]string(nil), c.Parents...)
	out.Metadata = cloneMetadata(c.Metadata)
	return out
}

func cloneMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
