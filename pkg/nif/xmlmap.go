package nif

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// decodeElement reads one XML element (the decoder must be positioned
// just after its StartElement) and returns it as a generic value:
// a map for elements with children, a scalar for leaf elements,
// nil for empty ones. Repeated sibling names collapse into a slice.
func decodeElement(d *xml.Decoder) (interface{}, error) {
	var (
		children map[string]interface{}
		text     strings.Builder
	)

	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("unexpected end of document")
			}
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(d)
			if err != nil {
				return nil, err
			}
			if children == nil {
				children = map[string]interface{}{}
			}
			name := t.Name.Local
			if existing, ok := children[name]; ok {
				if list, ok := existing.([]interface{}); ok {
					children[name] = append(list, child)
				} else {
					children[name] = []interface{}{existing, child}
				}
			} else {
				children[name] = child
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if children != nil {
				return children, nil
			}
			s := strings.TrimSpace(text.String())
			if s == "" {
				return nil, nil
			}
			return coerce(s), nil
		}
	}
}

// coerce maps leaf text onto JSON friendly types. Timestamps stay
// strings; the sink stores them as such.
func coerce(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// xmlToMap parses a whole document into nested generic maps keyed by
// local element name. Attributes and namespaces are dropped, which is
// sufficient for the document literal responses the federation api
// produces.
func xmlToMap(data []byte) (map[string]interface{}, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			root, err := decodeElement(d)
			if err != nil {
				return nil, fmt.Errorf("failed to parse response: %w", err)
			}
			m, ok := root.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("response root is not an element tree")
			}
			return m, nil
		}
	}
}

// dig walks a path of element names through nested maps
func dig(m map[string]interface{}, path ...string) (interface{}, bool) {
	var cur interface{} = m
	for _, p := range path {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asList normalises a child that may be absent, single or repeated
func asList(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	default:
		return []interface{}{t}
	}
}

// snakeCase converts the api's PascalCase element names to the sink's
// snake_case field names, e.g. OrgTypeId -> org_type_id.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeKeys rewrites all map keys to snake_case, recursively
func normalizeKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[snakeCase(k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalizeKeys(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseTime tries the federation api's datetime layouts. Naive values
// are interpreted in loc, matching the source's fixed local timezone.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	for i, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if i < 2 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
