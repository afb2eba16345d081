// Package telstate is the metadata store pipeline results are written to.
// Keys hold either a time series of values or a single immutable value.
package telstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/mothergoose31/contim/internal/diag"
)

var (
	ErrImmutable = errors.New("immutable key already set")
	ErrNotFound  = errors.New("key not found")
	ErrStore     = errors.New("metadata store failure")
)

func init() {
	diag.Register(diag.CodeInvalid, ErrImmutable, ErrNotFound)
	diag.Register(diag.CodeIO, ErrStore)
}

// Separator joins key components.
const Separator = "_"

// Join builds a key from its components, skipping empty ones.
func Join(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, Separator)
}

// Sample is a timestamped value. TS is in unix seconds.
type Sample struct {
	Key   string
	Value any
	TS    float64
}

// Entry is a stored value. Immutable entries have no timestamp.
type Entry struct {
	Value     json.RawMessage
	TS        float64
	Immutable bool
}

// Decode unmarshals the entry value into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return fmt.Errorf("decode telstate value: %w", err)
	}
	return nil
}

// Store is a key/value metadata service.
type Store interface {
	// AddSamples appends samples to their keys' time series.
	AddSamples(ctx context.Context, samples []Sample) error
	// AddImmutable sets key once. Setting it again to an equal value is a
	// no-op, to a different value is ErrImmutable.
	AddImmutable(ctx context.Context, key string, value any) error
	// Get returns the entries of key in time order.
	Get(ctx context.Context, key string) ([]Entry, error)
}

// Add appends a single sample.
func Add(ctx context.Context, s Store, key string, value any, ts float64) error {
	return s.AddSamples(ctx, []Sample{{Key: key, Value: value, TS: ts}})
}

// Complex is a single precision complex number encoded as [re, im].
type Complex complex64

func (c Complex) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float32{real(c), imag(c)})
}

func (c *Complex) UnmarshalJSON(b []byte) error {
	var v [2]float32
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Complex(complex(v[0], v[1]))
	return nil
}

func encode(key string, v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value of '%s': %w", key, err)
	}
	return b, nil
}

func checkSample(s Sample) error {
	if s.Key == "" {
		return fmt.Errorf("%w: empty key", ErrStore)
	}
	if math.IsNaN(s.TS) || math.IsInf(s.TS, 0) {
		return fmt.Errorf("%w: timestamp of '%s' is not finite", ErrStore, s.Key)
	}
	return nil
}

type series struct {
	immutable bool
	entries   []Entry
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*series
}

func NewMemory() *Memory {
	return &Memory{keys: map[string]*series{}}
}

func (m *Memory) AddSamples(ctx context.Context, samples []Sample) error {
	encoded := make([]Entry, len(samples))
	for i, s := range samples {
		if err := checkSample(s); err != nil {
			return err
		}
		v, err := encode(s.Key, s.Value)
		if err != nil {
			return err
		}
		encoded[i] = Entry{Value: v, TS: s.TS}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		if k, ok := m.keys[s.Key]; ok && k.immutable {
			return fmt.Errorf("%w: '%s'", ErrImmutable, s.Key)
		}
	}
	for i, s := range samples {
		k := m.keys[s.Key]
		if k == nil {
			k = &series{}
			m.keys[s.Key] = k
		}
		k.entries = append(k.entries, encoded[i])
		sort.SliceStable(k.entries, func(a, b int) bool { return k.entries[a].TS < k.entries[b].TS })
	}
	return nil
}

func (m *Memory) AddImmutable(ctx context.Context, key string, value any) error {
	v, err := encode(key, value)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[key]; ok {
		if !k.immutable || !bytes.Equal(k.entries[0].Value, v) {
			return fmt.Errorf("%w: '%s'", ErrImmutable, key)
		}
		return nil
	}
	m.keys[key] = &series{immutable: true, entries: []Entry{{Value: v, Immutable: true}}}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}
	return append([]Entry(nil), k.entries...), nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
