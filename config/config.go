package config

// BrokerConfig carries the broker-wide tunables the connection engine
// consumes. Zero values are replaced by the defaults below when the server
// is constructed.
type BrokerConfig struct {
	// SessionCountLimit is the maximum channel id a connection may open.
	SessionCountLimit uint16

	// HeartBeatDelay is the heartbeat interval, in seconds, the broker
	// suggests in Connection.Tune. 0 is replaced by DefaultHeartBeatDelay.
	HeartBeatDelay uint16

	// NetworkBufferSize bounds the frame size the broker advertises:
	// the suggested frameMax is NetworkBufferSize minus the 8-octet frame
	// overhead, so that clients which send payloads equal to frameMax
	// still fit in the network buffer.
	NetworkBufferSize uint32

	// CloseWhenNoRoute is the advertised default for the
	// qpid.close_when_no_route behaviour; clients may override it in
	// their Connection.Start-Ok properties.
	CloseWhenNoRoute bool

	// MessageCompressionEnabled advertises and enables gzip compression
	// of outbound deliveries for clients that support it.
	MessageCompressionEnabled bool

	// VirtualhostPropertiesNodeEnabled is advertised to clients as
	// qpid.virtualhost_properties_supported.
	VirtualhostPropertiesNodeEnabled bool

	// InstanceName is advertised as qpid.instance_name.
	InstanceName string
}

// PortConfig carries the per-port limits enforced before and during the
// connection handshake.
type PortConfig struct {
	// MaxOpenConnections bounds concurrently open connections on the
	// port; 0 means unbounded.
	MaxOpenConnections int

	// OpenConnectionsWarnPercent is the percentage of MaxOpenConnections
	// at which a one-shot warning is logged.
	OpenConnectionsWarnPercent int

	// MaxMessageSize rejects published messages whose declared body size
	// exceeds it; 0 means unbounded.
	MaxMessageSize uint64

	// MessageCompressionThreshold is the body size above which outbound
	// deliveries are compressed for supporting clients.
	MessageCompressionThreshold int

	// DebugBinaryDataLength limits how many payload octets are rendered
	// in debug logs.
	DebugBinaryDataLength int

	// SendQueueDeleteOkRegardlessClientVerRegexp matches client versions
	// of older qpid clients that await Queue.Delete-Ok even when they set
	// nowait; matching clients always receive the response.
	SendQueueDeleteOkRegardlessClientVerRegexp string

	// RedirectHost, when set, is offered to clients opening a vhost that
	// is not active instead of closing the connection.
	RedirectHost string
}

const (
	DefaultSessionCountLimit           = 256
	DefaultHeartBeatDelay              = 60
	DefaultNetworkBufferSize           = 65544
	DefaultOpenConnectionsWarnPercent  = 80
	DefaultMessageCompressionThreshold = 102400
	DefaultDebugBinaryDataLength       = 80
)

// WithDefaults returns a copy of the config with zero values replaced by
// the broker defaults.
func (c BrokerConfig) WithDefaults() BrokerConfig {
	if c.SessionCountLimit == 0 {
		c.SessionCountLimit = DefaultSessionCountLimit
	}
	if c.HeartBeatDelay == 0 {
		c.HeartBeatDelay = DefaultHeartBeatDelay
	}
	if c.NetworkBufferSize == 0 {
		c.NetworkBufferSize = DefaultNetworkBufferSize
	}
	return c
}

// WithDefaults returns a copy of the config with zero values replaced by
// the port defaults.
func (c PortConfig) WithDefaults() PortConfig {
	if c.OpenConnectionsWarnPercent == 0 {
		c.OpenConnectionsWarnPercent = DefaultOpenConnectionsWarnPercent
	}
	if c.MessageCompressionThreshold == 0 {
		c.MessageCompressionThreshold = DefaultMessageCompressionThreshold
	}
	if c.DebugBinaryDataLength == 0 {
		c.DebugBinaryDataLength = DefaultDebugBinaryDataLength
	}
	return c
}

// VHostConfig defines configuration for a virtual host
// Used with WithVHosts option for initial server setup
type VHostConfig struct {
	Name      string
	Exchanges []ExchangeConfig
	Queues    []QueueConfig
}

// ExchangeConfig defines configuration for an exchange
type ExchangeConfig struct {
	Name       string
	Type       string // "direct", "fanout", "topic"
	Durable    bool
	AutoDelete bool
	Internal   bool
}

// QueueConfig defines configuration for a queue
type QueueConfig struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Bindings   map[string]bool // Exchange bindings: "exchangeName:routingKey" -> true
}
