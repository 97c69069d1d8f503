package connection

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
)

// IterText yields text frames until the peer disconnects. A disconnect ends
// the sequence silently; any other error is yielded once as the last item.
func (c *Connection) IterText(ctx context.Context) iter.Seq2[string, error] {
	return iterate(ctx, c.ReceiveText)
}

// IterBytes yields binary frames until the peer disconnects.
func (c *Connection) IterBytes(ctx context.Context) iter.Seq2[[]byte, error] {
	return iterate(ctx, c.ReceiveBytes)
}

// IterJSON yields raw JSON documents from text frames until the peer
// disconnects.
func (c *Connection) IterJSON(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return iterate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		var raw json.RawMessage
		if err := c.ReceiveJSON(ctx, &raw, JSONText); err != nil {
			return nil, err
		}
		return raw, nil
	})
}

func iterate[T any](ctx context.Context, next func(context.Context) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := next(ctx)
			if errors.Is(err, ErrDisconnected) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
