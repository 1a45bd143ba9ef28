package store

import "time"

// Op is the change a pending write applies to its key.
type Op int8

const (
	OpUpsert Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is an encoded change that has not been sent yet. Exactly one of Value
// and Fields is set for upserts. A Write is never mutated after creation.
type Write struct {
	Key    []byte
	Op     Op
	TTL    time.Duration
	Value  []byte
	Fields map[string][]byte
}

// Apply queues the primitive operations that realise w on the pipeline. A
// field map with a TTL expands into HSET followed by EXPIRE.
func (w *Write) Apply(p Pipeline) []Result {
	if w.Op == OpDelete {
		return []Result{p.Del(w.Key)}
	}
	if w.Fields != nil {
		results := []Result{p.HSet(w.Key, w.Fields)}
		if w.TTL > 0 {
			results = append(results, p.Expire(w.Key, w.TTL))
		}
		return results
	}
	return []Result{p.Set(w.Key, w.Value, w.TTL)}
}
