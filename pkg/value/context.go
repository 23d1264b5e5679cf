package value

// Context is the per-invocation input to an instance's execute/resume call.
// PanelID and HandlerName are labels only, used for metrics and error
// messages; they carry no semantic weight within the sandbox.
type Context struct {
	PanelID      string
	HandlerName  string
	StateSnapshot map[string]Value
	Args          map[string]Value
	Scope         map[string]Value

	// Capabilities is a hint set of opaque tokens granted for this call.
	// The ground truth for whether an extension call is permitted is
	// ExtensionRegistry, not this set — see ErrPermissionDenied.
	Capabilities map[string]struct{}

	// ExtensionRegistry maps an extension name to the method names it
	// exposes for this call. An ext_suspend naming an extension/method
	// pair absent here is a permission-denied error, regardless of
	// Capabilities.
	ExtensionRegistry map[string][]string
}

// HasCapability reports whether token is present in Capabilities.
func (c Context) HasCapability(token string) bool {
	if c.Capabilities == nil {
		return false
	}
	_, ok := c.Capabilities[token]
	return ok
}

// ExtensionMethodAllowed reports whether the named extension exposes the
// named method for this invocation.
func (c Context) ExtensionMethodAllowed(extension, method string) bool {
	methods, ok := c.ExtensionRegistry[extension]
	if !ok {
		return false
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of Context suitable for handing to an
// instance without aliasing the caller's maps — the instance's state
// mirror mutates StateSnapshot locally during execution and must not
// observe or leak into the caller's original maps.
func (c Context) Clone() Context {
	clone := Context{
		PanelID:     c.PanelID,
		HandlerName: c.HandlerName,
	}
	clone.StateSnapshot = cloneValueMap(c.StateSnapshot)
	clone.Args = cloneValueMap(c.Args)
	clone.Scope = cloneValueMap(c.Scope)
	if c.Capabilities != nil {
		clone.Capabilities = make(map[string]struct{}, len(c.Capabilities))
		for k := range c.Capabilities {
			clone.Capabilities[k] = struct{}{}
		}
	}
	if c.ExtensionRegistry != nil {
		clone.ExtensionRegistry = make(map[string][]string, len(c.ExtensionRegistry))
		for k, v := range c.ExtensionRegistry {
			methods := make([]string, len(v))
			copy(methods, v)
			clone.ExtensionRegistry[k] = methods
		}
	}
	return clone
}

func cloneValueMap(m map[string]Value) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
