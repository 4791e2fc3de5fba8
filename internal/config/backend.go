package config

// Backend is the platform store for non-secret keys. Values are kept as
// their string form and parsed against the key table on load, so a backend
// never needs to know a key's type.
type Backend interface {
	Lookup(key string) (val string, ok bool, err error)
	Store(key, val string) error
	Remove(key string) error
}
