package config

// RelayConfig describes one upstream relay endpoint and its role.
// A relay may be read-only (subscriptions), write-only (publishes),
// or both.
type RelayConfig struct {
	URL   string `mapstructure:"url"   validate:"required,relayurl"`
	Read  bool   `mapstructure:"read"`
	Write bool   `mapstructure:"write"`
}

// SubscriptionConfig declares a subscription opened at startup by the
// headless runner. Filters use the standard JSON filter fields.
type SubscriptionConfig struct {
	Kinds   []int    `mapstructure:"kinds"   validate:"omitempty,dive,min=0,max=65535"`
	Authors []string `mapstructure:"authors" validate:"omitempty,dive,pubkey"`
	Limit   int      `mapstructure:"limit"   validate:"min=0,max=5000"`
}
