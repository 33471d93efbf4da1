// Package index reads and updates the package index JSON document without
// disturbing fields it does not manage.
package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Object is a JSON object that remembers the order of its keys.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject creates an empty object.
func NewObject() *Object {
	return &Object{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Set stores value under key. New keys are appended; existing keys keep
// their position.
func (o *Object) Set(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Keys returns the keys in document order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Len is the number of keys.
func (o *Object) Len() int {
	return len(o.keys)
}

// Document is a parsed index. Values are *Object, []any, string,
// json.Number, bool or nil.
type Document struct {
	Root *Object
}

// Parse decodes data into an order-preserving document. The top level
// must be an object.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse index: trailing data")
	}

	root, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("failed to parse index: top level is not an object")
	}
	return &Document{Root: root}, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		return t, nil
	}
}

// Marshal renders the document with indent spaces per level. An indent of
// zero produces compact output.
func (d *Document) Marshal(indent int) ([]byte, error) {
	return marshalValue(d.Root, indent)
}

func marshalValue(v any, indent int) ([]byte, error) {
	var compact bytes.Buffer
	if err := encodeValue(&compact, v); err != nil {
		return nil, err
	}
	if indent <= 0 {
		compact.WriteByte('\n')
		return compact.Bytes(), nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", strings.Repeat(" ", indent)); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case *Object:
		buf.WriteByte('{')
		for i, k := range t.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, t.values[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return encodeScalar(buf, t)
	}
	return nil
}

// encodeScalar writes v without HTML escaping.
func encodeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// ValueOf converts any JSON-marshalable Go value into document form.
func ValueOf(v any) (any, error) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(&tmp)
	dec.UseNumber()
	return decodeValue(dec)
}

// path walks object keys and array indexes from the root.
func (d *Document) path(steps ...any) (any, error) {
	var cur any = d.Root
	trail := ""
	for _, s := range steps {
		switch k := s.(type) {
		case string:
			obj, ok := cur.(*Object)
			if !ok {
				return nil, fmt.Errorf("%w: %s is not an object", ErrStructure, trailOrRoot(trail))
			}
			next, ok := obj.Get(k)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s is missing", ErrStructure, trailOrRoot(trail), k)
			}
			cur = next
			trail += "." + k
		case int:
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s is not an array", ErrStructure, trailOrRoot(trail))
			}
			if k >= len(arr) {
				return nil, fmt.Errorf("%w: %s[%d] is missing", ErrStructure, trailOrRoot(trail), k)
			}
			cur = arr[k]
			trail += fmt.Sprintf("[%d]", k)
		}
	}
	return cur, nil
}

func trailOrRoot(trail string) string {
	if trail == "" {
		return "document"
	}
	return strings.TrimPrefix(trail, ".")
}

// Platform returns packages[0].platforms[0].
func (d *Document) Platform() (*Object, error) {
	v, err := d.path("packages", 0, "platforms", 0)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%w: packages[0].platforms[0] is not an object", ErrStructure)
	}
	return obj, nil
}

// Package returns packages[0].
func (d *Document) Package() (*Object, error) {
	v, err := d.path("packages", 0)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%w: packages[0] is not an object", ErrStructure)
	}
	return obj, nil
}
