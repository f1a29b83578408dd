package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sanjanb/lifelab/internal/types"
)

var flagTrue = types.Payload(`true`)

func (e *Engine) flag(ctx context.Context, key string) (bool, error) {
	payload, err := e.store.Get(ctx, types.CollectionMeta, key)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read flag %s: %w", key, err)
	}
	return string(payload) == string(flagTrue), nil
}

func (e *Engine) setFlag(ctx context.Context, key string) error {
	if err := e.store.Put(ctx, types.CollectionMeta, key, flagTrue); err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// Reset clears both persisted flags so the prompt can be offered again.
func (e *Engine) Reset(ctx context.Context) error {
	for _, key := range []string{FlagComplete, FlagSkipped} {
		if err := e.store.Delete(ctx, types.CollectionMeta, key); err != nil {
			return fmt.Errorf("failed to clear flag %s: %w", key, err)
		}
	}
	e.mu.Lock()
	e.last = nil
	e.mu.Unlock()
	return nil
}
