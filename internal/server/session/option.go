package session

type Option func(*Session)

// WithTeardownHook registers a function that's called once the session is torn down.
func WithTeardownHook(hook func(*Session)) Option {
	return func(session *Session) {
		session.onTeardown = hook
	}
}
