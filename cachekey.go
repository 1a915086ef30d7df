package mdstream

import (
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MakeKey derives a cache key from cfg. Configurations with the same plugin
// functions in the same order and equal options produce the same key.
// Plugin functions are identified by their code pointer, so closures created
// from one function literal share an identity; carry their state in Options.
// Options are compared by value, unexported fields included.
func (c *ProcessorCache) MakeKey(cfg Config) string {
	var b strings.Builder
	b.WriteString("pre[")
	c.writePlugins(&b, cfg.Pre)
	b.WriteString("]bridge")
	writeValue(&b, cfg.Bridge)
	b.WriteString("post[")
	c.writePlugins(&b, cfg.Post)
	b.WriteByte(']')
	return b.String()
}

func (c *ProcessorCache) writePlugins(b *strings.Builder, plugins []Plugin) {
	for i, p := range plugins {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.names.name(p.Transform))
		if p.Options != nil {
			writeValue(b, p.Options)
		}
		if p.Final != nil {
			b.WriteString("final=")
			b.WriteString(c.names.name(p.Final))
		}
	}
}

func writeValue(b *strings.Builder, v any) {
	b.WriteByte('(')
	if v == nil {
		b.WriteString("nil)")
		return
	}
	b.WriteString(reflect.TypeOf(v).String())
	b.WriteByte(':')
	w := valueWriter{seen: make(map[visit]struct{})}
	w.write(b, reflect.ValueOf(v))
	b.WriteByte(')')
}

// valueWriter renders a value deterministically, unexported fields
// included. Map entries are sorted by their rendered key. References that
// lead back to a value being rendered print as <cycle>.
type valueWriter struct {
	seen map[visit]struct{}
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

func (w valueWriter) write(b *strings.Builder, v reflect.Value) {
	switch v.Kind() {
	case reflect.Invalid:
		b.WriteString("nil")
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		b.WriteString(strconv.FormatComplex(v.Complex(), 'g', -1, 128))
	case reflect.String:
		b.WriteString(strconv.Quote(v.String()))
	case reflect.Interface:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		elem := v.Elem()
		b.WriteString(elem.Type().String())
		b.WriteByte(':')
		w.write(b, elem)
	case reflect.Pointer:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		if !w.enter(v) {
			b.WriteString("<cycle>")
			return
		}
		defer w.leave(v)
		b.WriteByte('&')
		w.write(b, v.Elem())
	case reflect.Struct:
		b.WriteByte('{')
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(t.Field(i).Name)
			b.WriteByte(':')
			w.write(b, v.Field(i))
		}
		b.WriteByte('}')
	case reflect.Slice:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		if !w.enter(v) {
			b.WriteString("<cycle>")
			return
		}
		defer w.leave(v)
		w.writeElems(b, v)
	case reflect.Array:
		w.writeElems(b, v)
	case reflect.Map:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		if !w.enter(v) {
			b.WriteString("<cycle>")
			return
		}
		defer w.leave(v)
		w.writeMap(b, v)
	default:
		// func, chan and unsafe pointers compare by identity
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		b.WriteString("0x")
		b.WriteString(strconv.FormatUint(uint64(v.Pointer()), 16))
	}
}

func (w valueWriter) writeElems(b *strings.Builder, v reflect.Value) {
	b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		w.write(b, v.Index(i))
	}
	b.WriteByte(']')
}

func (w valueWriter) writeMap(b *strings.Builder, v reflect.Value) {
	type entry struct{ key, value string }
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		var kb, vb strings.Builder
		w.write(&kb, iter.Key())
		w.write(&vb, iter.Value())
		entries = append(entries, entry{key: kb.String(), value: vb.String()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].value < entries[j].value
	})
	b.WriteString("map[")
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.key)
		b.WriteByte(':')
		b.WriteString(e.value)
	}
	b.WriteByte(']')
}

func (w valueWriter) enter(v reflect.Value) bool {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if _, ok := w.seen[key]; ok {
		return false
	}
	w.seen[key] = struct{}{}
	return true
}

func (w valueWriter) leave(v reflect.Value) {
	delete(w.seen, visit{ptr: v.Pointer(), typ: v.Type()})
}

// pluginNames memoizes a display name per function identity. Names are made
// unique so two functions never share a key fragment.
type pluginNames struct {
	mu     sync.Mutex
	byPC   map[uintptr]string
	taken  map[string]struct{}
	anonID int
}

func newPluginNames() *pluginNames {
	return &pluginNames{
		byPC:  make(map[uintptr]string),
		taken: make(map[string]struct{}),
	}
}

func (n *pluginNames) name(fn TransformFunc) string {
	if fn == nil {
		return "<nil>"
	}
	pc := reflect.ValueOf(fn).Pointer()
	n.mu.Lock()
	defer n.mu.Unlock()
	if name, ok := n.byPC[pc]; ok {
		return name
	}
	name := ""
	if f := runtime.FuncForPC(pc); f != nil {
		name = f.Name()
	}
	if name == "" {
		n.anonID++
		name = "anonymous#" + strconv.Itoa(n.anonID)
	}
	if _, dup := n.taken[name]; dup {
		base := name
		for i := 2; ; i++ {
			name = base + "#" + strconv.Itoa(i)
			if _, dup := n.taken[name]; !dup {
				break
			}
		}
	}
	n.byPC[pc] = name
	n.taken[name] = struct{}{}
	return name
}
