package config

// ConfigBackend stores non-secret configuration keys. Values keep their
// native type: budgets are floats and feature toggles are bools.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	SetBool(key string, val bool) error
	Delete(key string) error
}
