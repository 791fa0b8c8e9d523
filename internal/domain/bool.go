package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexBool decodes JSON booleans, 0/1 numbers and the strings accepted by
// strconv.ParseBool plus "yes"/"no". Use *FlexBool to detect absence.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := ParseBool(raw)
	if err != nil {
		return err
	}
	*b = FlexBool(v)
	return nil
}

// ParseBool coerces v into a bool or returns a ValidationError.
func ParseBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		switch t {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case int:
		switch t {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		}
		if parsed, err := strconv.ParseBool(s); err == nil {
			return parsed, nil
		}
	}
	return false, &ValidationError{Message: fmt.Sprintf("value %v is not a boolean", v)}
}
