package auth

// TokenSource supplies the bearer token attached to API requests.
// Invalidate is called when the server answers 401; implementations drop the
// token and notify their subscribers.
type TokenSource interface {
	Token() string
	Invalidate()
}

// TokenPersister stores a token between process runs.
// Load returns an empty string when nothing has been saved.
type TokenPersister interface {
	Load() (string, error)
	Save(token string) error
	Remove() error
}
