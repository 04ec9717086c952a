package config

// CacheConfig tunes the in-memory profile cache.
type CacheConfig struct {
	ProfileCapacity int `mapstructure:"profile_capacity" validate:"required,min=1,max=1000000"`
}
