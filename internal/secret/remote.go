package secret

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RemoteResolver reads JSON-document secrets from a Store. Each secret is
// fetched at most once per resolver, so one resolver should live for one
// run.
type RemoteResolver struct {
	store Store
	group singleflight.Group

	mu   sync.Mutex
	docs map[string]map[string]string
}

// NewRemoteResolver returns a resolver backed by store.
func NewRemoteResolver(store Store) *RemoteResolver {
	return &RemoteResolver{store: store, docs: make(map[string]map[string]string)}
}

func (r *RemoteResolver) Resolve(ctx context.Context, ref Ref) Result {
	if ref.SecretID == "" {
		return Failed(ref, fmt.Errorf("no secret id for field %q", ref.Field))
	}

	doc, err := r.document(ctx, ref.SecretID)
	if err != nil {
		return Failed(ref, err)
	}

	v, ok := doc[ref.Field]
	if !ok || v == "" {
		return Failed(ref, ErrFieldNotFound)
	}
	return Resolved(ref, v)
}

func (r *RemoteResolver) document(ctx context.Context, id string) (map[string]string, error) {
	r.mu.Lock()
	doc, ok := r.docs[id]
	r.mu.Unlock()
	if ok {
		return doc, nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		r.mu.Lock()
		doc, ok := r.docs[id]
		r.mu.Unlock()
		if ok {
			return doc, nil
		}

		body, err := r.store.SecretString(ctx, id)
		if err != nil {
			return nil, err
		}
		doc, err = parseDocument(body)
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", id, err)
		}

		r.mu.Lock()
		r.docs[id] = doc
		r.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// parseDocument keeps the string-valued fields of a flat JSON object. The
// error never quotes the body.
func parseDocument(body string) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("secret body is not a JSON object")
	}

	doc := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			doc[k] = s
		}
	}
	return doc, nil
}
