package cache

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// refField marks an encoded Ref inside a snapshot.
const refField = "__ref"

// SnapshotEntry is the persisted form of an Entry. Refs are encoded as
// {"__ref": key} so the snapshot is plain JSON.
type SnapshotEntry struct {
	Typename             string           `json:"__typename,omitempty"`
	Fields               map[FieldKey]any `json:"fields"`
	LastWrite            int64            `json:"lastWriteTime"`
	ExpiresAt            int64            `json:"expiresAt,omitempty"`
	StaleWhileRevalidate int64            `json:"staleWhileRevalidate,omitempty"`
	// FieldExpiresAt overrides ExpiresAt for single fields.
	FieldExpiresAt map[FieldKey]int64 `json:"fieldExpiresAt,omitempty"`
}

// Snapshot is the persisted cache layout used for hydration.
type Snapshot map[Key]SnapshotEntry

// Snapshot copies the cache into its persisted form.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Snapshot, len(c.entries))
	for k, e := range c.entries {
		fields := make(map[FieldKey]any, len(e.Fields))
		for fk, v := range e.Fields {
			fields[fk] = encodeValue(v)
		}
		se := SnapshotEntry{
			Typename:             e.Typename,
			Fields:               fields,
			LastWrite:            e.LastWrite,
			ExpiresAt:            e.ExpiresAt,
			StaleWhileRevalidate: e.StaleWhileRevalidate,
		}
		for fk, at := range e.FieldExpiresAt {
			if at == e.ExpiresAt {
				continue
			}
			if se.FieldExpiresAt == nil {
				se.FieldExpiresAt = make(map[FieldKey]int64)
			}
			se.FieldExpiresAt[fk] = at
		}
		out[k] = se
	}
	return out
}

// Hydrate bulk-merges a snapshot. Entries without ExpiresAt become stale at
// now (still served within the stale-while-revalidate window); per-field
// expiries are restored as written. Field values are last-write-wins
// against existing entries.
func (c *Cache) Hydrate(snap Snapshot, now int64) ChangeSet {
	if now == 0 {
		now = c.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.newStage(MergeOptions{Now: now})
	for k, se := range snap {
		e := st.entry(k, se.Typename)
		at := now
		if se.ExpiresAt != 0 {
			at = se.ExpiresAt
		}
		for fk, v := range se.Fields {
			st.set(e, FieldRef{Key: k, Field: fk}, decodeValue(v))
			e.FieldExpiresAt[fk] = at
			if fat, ok := se.FieldExpiresAt[fk]; ok && fat != 0 {
				e.FieldExpiresAt[fk] = fat
			}
		}
		e.LastWrite = now
		if se.LastWrite != 0 {
			e.LastWrite = se.LastWrite
		}
		e.ExpiresAt = at
		if se.StaleWhileRevalidate != 0 {
			e.StaleWhileRevalidate = se.StaleWhileRevalidate
		}
	}
	st.commit()
	return st.changes
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case Ref:
		return map[string]any{refField: string(x.Key)}
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if k, ok := x[refField].(string); ok {
				return Ref{Key: Key(k)}
			}
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}

// UnmarshalSnapshot decodes a JSON snapshot.
func UnmarshalSnapshot(b []byte) (Snapshot, error) {
	var m map[Key]SnapshotEntry
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	return Snapshot(m), nil
}

// MarshalProto encodes the snapshot as a binary google.protobuf.Struct.
func (s Snapshot) MarshalProto() ([]byte, error) {
	root := make(map[string]any, len(s))
	for k, e := range s {
		fields := make(map[string]any, len(e.Fields))
		for fk, v := range e.Fields {
			fields[string(fk)] = v
		}
		entry := map[string]any{
			"__typename":           e.Typename,
			"fields":               fields,
			"lastWriteTime":        e.LastWrite,
			"expiresAt":            e.ExpiresAt,
			"staleWhileRevalidate": e.StaleWhileRevalidate,
		}
		if len(e.FieldExpiresAt) > 0 {
			fe := make(map[string]any, len(e.FieldExpiresAt))
			for fk, at := range e.FieldExpiresAt {
				fe[string(fk)] = at
			}
			entry["fieldExpiresAt"] = fe
		}
		root[string(k)] = entry
	}
	st, err := structpb.NewStruct(root)
	if err != nil {
		return nil, fmt.Errorf("cache: encode snapshot: %w", err)
	}
	return proto.Marshal(st)
}

// UnmarshalProtoSnapshot decodes a snapshot produced by MarshalProto.
func UnmarshalProtoSnapshot(b []byte) (Snapshot, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	out := make(Snapshot, len(st.Fields))
	for k, v := range st.AsMap() {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cache: decode snapshot: entry %q is %T", k, v)
		}
		se := SnapshotEntry{Fields: make(map[FieldKey]any)}
		se.Typename, _ = m["__typename"].(string)
		if fields, ok := m["fields"].(map[string]any); ok {
			for fk, fv := range fields {
				se.Fields[FieldKey(fk)] = fv
			}
		}
		se.LastWrite = asInt64(m["lastWriteTime"])
		se.ExpiresAt = asInt64(m["expiresAt"])
		se.StaleWhileRevalidate = asInt64(m["staleWhileRevalidate"])
		if fe, ok := m["fieldExpiresAt"].(map[string]any); ok {
			se.FieldExpiresAt = make(map[FieldKey]int64, len(fe))
			for fk, at := range fe {
				se.FieldExpiresAt[FieldKey(fk)] = asInt64(at)
			}
		}
		out[Key(k)] = se
	}
	return out, nil
}

func asInt64(v any) int64 {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}
