package middleware

// Chain composes middlewares so that the first one is the outermost:
// Chain(a, b)(h) == a(b(h)).
func Chain[H any](middlewares ...func(H) H) func(H) H {
	return func(handler H) H {
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}
		return handler
	}
}
