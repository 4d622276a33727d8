package script

import (
	"fmt"
	"sort"
)

// View is the widget tree a script plugin produces. Rendering it is up to
// the shell.
type View struct {
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Children []*View        `json:"children,omitempty"`
}

// DefaultViewType is used for nodes that do not name a type.
const DefaultViewType = "Item"

// toView converts script data into a View. Maps use "type" and "children"
// keys; every other key becomes a prop. A bare string is a Text node.
func toView(v any) (*View, error) {
	return toViewDepth(v, 0)
}

const maxViewDepth = 64

func toViewDepth(v any, depth int) (*View, error) {
	if depth > maxViewDepth {
		return nil, fmt.Errorf("view nested deeper than %d levels", maxViewDepth)
	}

	switch val := v.(type) {
	case string:
		return &View{Type: "Text", Props: map[string]any{"text": val}}, nil

	case map[string]any:
		view := &View{Type: DefaultViewType}
		if t, ok := val["type"].(string); ok && t != "" {
			view.Type = t
		}
		for k, prop := range val {
			if k == "type" || k == "children" {
				continue
			}
			if view.Props == nil {
				view.Props = make(map[string]any)
			}
			view.Props[k] = prop
		}
		children, err := childViews(val["children"], depth)
		if err != nil {
			return nil, err
		}
		view.Children = children
		return view, nil

	case nil:
		return nil, ErrNoView

	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrNoView, v)
	}
}

func childViews(v any, depth int) ([]*View, error) {
	var items []any
	switch c := v.(type) {
	case nil:
		return nil, nil
	case []any:
		items = c
	case map[string]any:
		// A table with holes arrives as a map; keep key order stable.
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, c[k])
		}
	default:
		return nil, fmt.Errorf("children must be a list, got %T", v)
	}

	children := make([]*View, 0, len(items))
	for i, item := range items {
		child, err := toViewDepth(item, depth+1)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i+1, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// Find returns the first node in depth-first order whose "id" prop equals id.
func (v *View) Find(id string) *View {
	if v == nil {
		return nil
	}
	if v.Props["id"] == id {
		return v
	}
	for _, c := range v.Children {
		if found := c.Find(id); found != nil {
			return found
		}
	}
	return nil
}
