package httpclient

import "context"

type contextKeyKey struct{}

type tokenOverrideKey struct{}

// WithContextKey attaches the browsing-context key to ctx. The transport
// resolves the bearer token for that key on every outbound request.
func WithContextKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, contextKeyKey{}, key)
}

// ContextKeyFrom returns the browsing-context key carried by ctx.
func ContextKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(contextKeyKey{}).(string)
	return key, ok && key != ""
}

// WithToken pins the bearer token for requests issued with ctx, bypassing
// the token source. An empty token pins "no token".
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenOverrideKey{}, token)
}

func tokenOverride(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenOverrideKey{}).(string)
	return tok, ok
}
