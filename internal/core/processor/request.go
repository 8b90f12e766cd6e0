package processor

import "context"

type requestIDKey struct{}

// WithRequestID hängt eine vom Aufrufer vergebene Anfrage-ID an den Kontext.
// Sie wird im Erkennungsereignis zurückgegeben.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID liefert die Anfrage-ID aus dem Kontext oder ""
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
