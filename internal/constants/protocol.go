package constants

import "time"

// Event kinds the engine knows about
const (
	// KindProfileMetadata is the NIP-01 profile metadata event
	KindProfileMetadata = 0
	// KindLiveChatMessage is the NIP-53 live chat message
	KindLiveChatMessage = 1311
	// KindZapReceipt is the NIP-57 zap receipt
	KindZapReceipt = 9735
	// KindNostrConnect carries NIP-46 remote signing RPC payloads
	KindNostrConnect = 24133
	// KindLiveActivity is the NIP-53 addressable live activity
	KindLiveActivity = 30311
)

// Tag names
const (
	TagIdentifier = "d"
	TagStatus     = "status"
	TagAddress    = "a"
	TagPubKey     = "p"
	TagBolt11     = "bolt11"
)

// Live activity status values accepted by the schema check
var LiveActivityStatuses = map[string]bool{
	"planned": true,
	"live":    true,
	"ended":   true,
}

// NIP-46 protocol constants
const (
	// ConnectURIScheme is the scheme of the signer connection URI
	ConnectURIScheme = "nostrconnect"
	// ConnectAckToken is the literal acknowledgement some signers return
	// in place of the session secret.
	ConnectAckToken = "ack"
)

// Default timeouts and limits
const (
	DefaultScanTimeout       = 3 * time.Minute
	DefaultRPCTimeout        = 90 * time.Second
	DefaultPingInterval      = 60 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 90 * time.Second
	DefaultBackoffMin        = 1 * time.Second
	DefaultBackoffMax        = 30 * time.Second

	// DefaultMaxFrameSize bounds a single inbound relay frame
	DefaultMaxFrameSize = 1 << 20

	// DefaultProfileCacheSize bounds the in-memory profile cache
	DefaultProfileCacheSize = 512

	// SubscriptionBuffer is the per-subscription delivery channel depth
	SubscriptionBuffer = 256

	// PublishHistory bounds how many publish statuses the router retains
	PublishHistory = 1024
)
