package storage

import (
	"fmt"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
	"github.com/eleven-am/weave/internal/xjson"
)

type reader interface {
	Get(key string) ([]byte, bool, error)
}

func load[T any](r reader, key, resource, id string) (*T, error) {
	data, ok, err := r.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", resource, id, err)
	}
	if !ok {
		return nil, domain.NewNotFoundError(resource, id)
	}

	var out T
	if err := xjson.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", resource, id, err)
	}
	return &out, nil
}

func store(tx ports.Transaction, key string, value any) error {
	data, err := xjson.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Put(key, data)
}

func decodeAll[T any](items []ports.KeyValue) ([]*T, error) {
	out := make([]*T, 0, len(items))
	for _, kv := range items {
		var v T
		if err := xjson.Unmarshal(kv.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kv.Key, err)
		}
		out = append(out, &v)
	}
	return out, nil
}
