package core

// AdapterConfig contains configuration for the simulated adapter.
type AdapterConfig struct {
	// Name is the adapter instance name sessions are keyed by.
	Name string `json:"name" yaml:"name"`

	// MTU is the Maximum Transmission Unit reported by default request processing.
	MTU int `json:"mtu" yaml:"mtu"`

	// MAC is the permanent hardware address (e.g. "02:00:00:00:00:01").
	MAC string `json:"mac" yaml:"mac"`

	// LinkSpeedMbps is the link speed reported by default request processing.
	LinkSpeedMbps int `json:"link_speed_mbps" yaml:"linkSpeedMbps"`

	// ReceiveQueue is the size of the receive indication queue.
	ReceiveQueue int `json:"receive_queue" yaml:"receiveQueue"`

	// Debug enables per-frame debug logging.
	Debug bool `json:"debug" yaml:"debug"`
}

// CaptureConfig contains configuration for the capture engine.
type CaptureConfig struct {
	// WatchdogIntervalMs is the period of the watchdog scan in milliseconds.
	WatchdogIntervalMs int `json:"watchdog_interval_ms" yaml:"watchdogIntervalMs"`

	// GracePeriodMs is how long a captured item may wait before the
	// watchdog reclaims it.
	GracePeriodMs int `json:"grace_period_ms" yaml:"gracePeriodMs"`

	// MaxCapturedFrames bounds the frame capture queues (0 = unlimited).
	MaxCapturedFrames int `json:"max_captured_frames" yaml:"maxCapturedFrames"`

	// MaxPendedRequests bounds each request pend list (0 = unlimited).
	MaxPendedRequests int `json:"max_pended_requests" yaml:"maxPendedRequests"`
}

// ControlConfig contains configuration for the control channel server.
type ControlConfig struct {
	// Listen is the HTTP listen address for the control channel.
	Listen string `json:"listen" yaml:"listen"`

	// Token, if set, must be presented as a bearer token by clients.
	Token string `json:"token" yaml:"token"`

	// MetricsInterval is how often capture statistics are logged, in
	// seconds (0 disables the reporter).
	MetricsInterval int `json:"metrics_interval" yaml:"metricsInterval"`
}

// WireGuardConfig contains configuration for the optional WireGuard medium.
type WireGuardConfig struct {
	// Enabled attaches the adapter to a userspace WireGuard device.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// PrivateKey is the WireGuard private key.
	PrivateKey string `json:"private_key" yaml:"privateKey"`

	// ListenPort is the port to listen on for WireGuard connections.
	ListenPort int `json:"listen_port" yaml:"listenPort"`

	// MTU is the plaintext MTU of the tunnel.
	MTU int `json:"mtu" yaml:"mtu"`

	// Peers is a list of WireGuard peers.
	Peers []WireGuardPeer `json:"peers" yaml:"peers"`
}

// WireGuardPeer represents a WireGuard peer.
type WireGuardPeer struct {
	// PublicKey is the peer's public key.
	PublicKey string `json:"public_key" yaml:"publicKey"`

	// AllowedIPs is a list of IP ranges that are allowed for this peer.
	AllowedIPs []string `json:"allowed_ips" yaml:"allowedIPs"`

	// Endpoint is the peer's endpoint address.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// PersistentKeepalive is the interval in seconds for sending keepalive packets.
	PersistentKeepalive int `json:"persistent_keepalive" yaml:"persistentKeepalive"`
}
