package plugin

import "strings"

// Kind tells the runtime which loader handles a plugin.
type Kind int

// Plugin kinds.
const (
	KindUnknown Kind = iota
	KindNative
	KindScript
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindScript:
		return "script"
	default:
		return "unknown"
	}
}

// ParseKind maps a manifest pluginType to a Kind. An empty type is the
// legacy native case.
func ParseKind(pluginType string) Kind {
	switch strings.ToLower(strings.TrimSpace(pluginType)) {
	case "", "native", "cpp":
		return KindNative
	case "qml", "script":
		return KindScript
	default:
		return KindUnknown
	}
}
