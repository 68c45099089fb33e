package recordio

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Fields is an ordered KEY=VALUE map: insertion order is preserved so
// re-encoding a record we only partially understand doesn't reshuffle
// the keys a newer version of this program wrote.
type Fields struct {
	order  []string
	values map[string]string
}

func NewFields() *Fields {
	return &Fields{values: make(map[string]string)}
}

func (f *Fields) Set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.order = append(f.order, key)
	}
	f.values[key] = value
}

func (f *Fields) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *Fields) Delete(key string) {
	if _, ok := f.values[key]; !ok {
		return
	}
	delete(f.values, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Keys returns keys in insertion order.
func (f *Fields) Keys() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// DecodeKV parses a flat `KEY=VALUE` file, one assignment per line. No
// quoting is supported (spec §6: "no quoting"). Blank lines and lines
// starting with `#` are skipped. Malformed lines (no `=`) are an
// error, since job.info/config files are machine-written, never
// hand-edited in the expected workflow.
func DecodeKV(data []byte) (*Fields, error) {
	f := NewFields()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("line %d: missing '=': %q", lineNo, line)
		}
		key := line[:idx]
		value := line[idx+1:]
		f.Set(key, value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeKV serializes fields back to KEY=VALUE lines in insertion
// order, one per line, newline-terminated.
func EncodeKV(f *Fields) []byte {
	var buf bytes.Buffer
	for _, k := range f.order {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(f.values[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
