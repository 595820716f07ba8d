package data

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// holder for the values produced by the sensors during one measurement

const TimestampKey = "timestamp"

type Field struct {
	Name  string
	Value interface{} // float64, int64 or bool
}

// Reading is one measurement: a timestamp plus named values kept in the order
// the sensors added them.
type Reading struct {
	Timestamp time.Time
	fields    []Field
	index     map[string]int
}

func NewReading(ts time.Time) *Reading {
	return &Reading{
		Timestamp: ts,
		index:     make(map[string]int),
	}
}

func (r *Reading) set(name string, v interface{}) {
	if name == TimestampKey {
		return
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

func (r *Reading) SetFloat(name string, v float64) {
	r.set(name, v)
}

func (r *Reading) SetInt(name string, v int64) {
	r.set(name, v)
}

func (r *Reading) SetBool(name string, v bool) {
	r.set(name, v)
}

func (r *Reading) Get(name string) (interface{}, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

func (r *Reading) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Fields returns a copy of the values in insertion order.
func (r *Reading) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

func (r *Reading) Len() int {
	return len(r.fields)
}

// Merge copies the fields of o into r, in o's order. The timestamp of r is
// kept.
func (r *Reading) Merge(o *Reading) {
	for _, f := range o.fields {
		r.set(f.Name, f.Value)
	}
}

// DropNonFinite removes NaN and infinite floats, which have no JSON form,
// and returns their names.
func (r *Reading) DropNonFinite() []string {
	var bad []string
	kept := r.fields[:0]
	for _, f := range r.fields {
		if v, ok := f.Value.(float64); ok && (math.IsNaN(v) || math.IsInf(v, 0)) {
			bad = append(bad, f.Name)
			continue
		}
		kept = append(kept, f)
	}
	if len(bad) == 0 {
		return nil
	}
	r.fields = kept
	r.index = make(map[string]int, len(kept))
	for i, f := range kept {
		r.index[f.Name] = i
	}
	return bad
}

// MarshalJSON renders the reading as a single line object, timestamp first.
func (r *Reading) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`{"` + TimestampKey + `":`)
	b.WriteString(strconv.FormatInt(r.Timestamp.Unix(), 10))
	for _, f := range r.fields {
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		b.WriteByte(',')
		b.Write(key)
		b.WriteByte(':')
		switch v := f.Value.(type) {
		case float64:
			val, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrapf(err, "field [%v]", f.Name)
			}
			b.Write(val)
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case bool:
			b.WriteString(strconv.FormatBool(v))
		default:
			return nil, errors.Errorf("field [%v] has unsupported type %T", f.Name, f.Value)
		}
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Parse reads a reading back from its JSON form, keeping field order.
func Parse(line []byte) (*Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.Errorf("reading must be a JSON object")
	}

	r := NewReading(time.Time{})
	seenTimestamp := false
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, errors.Errorf("unexpected token [%v]", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		switch v := tok.(type) {
		case json.Number:
			if name == TimestampKey {
				secs, err := v.Int64()
				if err != nil {
					return nil, errors.Wrapf(err, "bad timestamp [%v]", v)
				}
				r.Timestamp = time.Unix(secs, 0).UTC()
				seenTimestamp = true
				continue
			}
			if i, err := v.Int64(); err == nil {
				r.SetInt(name, i)
				continue
			}
			f, err := v.Float64()
			if err != nil {
				return nil, errors.Wrapf(err, "field [%v]", name)
			}
			r.SetFloat(name, f)
		case bool:
			r.SetBool(name, v)
		default:
			return nil, errors.Errorf("field [%v] has unsupported value [%v]", name, tok)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if !seenTimestamp {
		return nil, errors.Errorf("reading has no %v", TimestampKey)
	}
	return r, nil
}
