package ocpp

import "maps"

// Hook rewrites the encoded payload of one action.
type Hook func(action string, data []byte) ([]byte, error)

// Customization holds per-action serializer and parser hooks. It is built
// once with NewCustomization and never changes afterwards, so it can be
// shared by concurrent senders. A nil *Customization applies no hooks.
type Customization struct {
	serializers map[string]Hook
	parsers     map[string]Hook
}

type CustomizationOption func(*Customization)

// WithSerializer rewrites the encoded payload of action before it is framed.
func WithSerializer(action string, h Hook) CustomizationOption {
	return func(c *Customization) { c.serializers[action] = h }
}

// WithParser rewrites the raw payload of action before it is decoded.
func WithParser(action string, h Hook) CustomizationOption {
	return func(c *Customization) { c.parsers[action] = h }
}

func NewCustomization(opts ...CustomizationOption) *Customization {
	c := &Customization{serializers: map[string]Hook{}, parsers: map[string]Hook{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// With returns a copy of c extended by opts.
func (c *Customization) With(opts ...CustomizationOption) *Customization {
	out := NewCustomization()
	if c != nil {
		out.serializers = maps.Clone(c.serializers)
		out.parsers = maps.Clone(c.parsers)
	}
	for _, o := range opts {
		o(out)
	}
	return out
}

func (c *Customization) serialized(action string, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	if h, ok := c.serializers[action]; ok {
		return h(action, data)
	}
	return data, nil
}

func (c *Customization) parsing(action string, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	if h, ok := c.parsers[action]; ok {
		return h(action, data)
	}
	return data, nil
}
