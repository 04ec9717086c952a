package config

import "time"

// BunkerConfig tunes the remote-signer session.
type BunkerConfig struct {
	// AppName and AppURL are advertised to the signer inside the
	// connection URI so the user can recognize what is asking.
	AppName string `mapstructure:"app_name" validate:"required,min=1,max=64"`
	AppURL  string `mapstructure:"app_url"  validate:"omitempty,url"`

	// DefaultRelay is the rendezvous relay embedded in the URI.
	DefaultRelay string `mapstructure:"default_relay" validate:"required,relayurl"`

	ScanTimeout  time.Duration `mapstructure:"scan_timeout"  validate:"required,short_duration"`
	RPCTimeout   time.Duration `mapstructure:"rpc_timeout"   validate:"required,short_duration"`
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"required,short_duration"`
}
