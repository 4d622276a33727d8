package core

import (
	"fmt"
	"strconv"
)

func stringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidArgument, name)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string, got %T", ErrInvalidArgument, name, args[i])
	}
	return s, nil
}

// boolArg accepts booleans, "true"/"false" strings and numbers, as script
// engines deliver any of them.
func boolArg(args []any, i int, name string, def bool) (bool, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	switch v := args[i].(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, name, err)
		}
		return b, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidArgument, name, v)
	}
}
