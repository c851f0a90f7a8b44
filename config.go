package torrent

import (
	"fmt"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"
)

// Config carries every setting the core reads from the collaborator's
// configuration reader (§6): a mapping of known keys to typed values.
// Loading from an external proplist rejects unknown keys rather than
// silently ignoring them ("Proplists as config", §9 Design Notes) — see
// LoadConfig.
//
// Probably not safe to modify this after it's given to a Client, or to
// pass it to multiple Clients.
type Config struct {
	// ListenPort is the TCP port for inbound peer connections. Zero picks
	// an ephemeral port.
	ListenPort int `config:"listen_port"`
	// ListenIP restricts the inbound listen socket to one local address;
	// empty binds every interface.
	ListenIP string `config:"listen_ip"`

	// MaxUploadSlots is the choker's hard cap on simultaneously unchoked
	// peers (§4.9). Zero means "auto", sized from MaxUploadRate.
	MaxUploadSlots int `config:"max_upload_slots"`
	// MaxUploadRate and MaxDownloadRate are bytes/s ceilings; zero means
	// unlimited. MaxUploadRate sizes the choker's "auto" upload slots and is
	// handed to each PeerConn as its own UploadLimiter; the send task does
	// not throttle against that limiter, and no token bucket is shared
	// across connections. MaxDownloadRate is not read by the client.
	MaxUploadRate   int64 `config:"max_upload_rate"`
	MaxDownloadRate int64 `config:"max_download_rate"`
	// OptimisticSlots is the floor on upload slots reserved for the
	// optimistic-unchoke rotation (§4.9 step 2), independent of the
	// preferred tit-for-tat set.
	OptimisticSlots int `config:"optimistic_slots"`

	// DHT and DHTPort are accepted as config keys per §6 but the core
	// treats DHT peer discovery as an opaque collaborator (§1 non-goals):
	// no DHT server is constructed here.
	DHT     bool `config:"dht"`
	DHTPort int  `config:"dht_port"`

	// DownloadDir is where piece data lands; DotDir is where the opaque
	// `.info` sidecar is read and written (§6).
	DownloadDir string `config:"download_dir"`
	DotDir      string `config:"dotdir"`

	// MaxPeers caps the peer manager's concurrent outbound dials (half-open
	// connections) across all torrents; established connections are not
	// capped.
	MaxPeers int `config:"max_peers"`

	// PortForward enables the supplemental UPnP port-mapping attempt on
	// listener startup (not a config key named in §6; a real client's
	// carried default, grounded on `portfwd.go`).
	PortForward bool

	// NominalDialTimeout and HandshakeTimeout are not read by Connect or
	// the Listener, which use the fixed outboundDialTimeout (30s) and
	// handshakeTimeout (20s) instead.
	NominalDialTimeout time.Duration
	HandshakeTimeout   time.Duration
	// KeepAliveTimeout is the send task's silence threshold before it
	// emits a keepalive frame (§5 "watchdog").
	KeepAliveTimeout time.Duration

	Logger log.Logger
	Debug  bool
}

// NewDefaultConfig returns the tunables a freshly started client uses
// absent any external configuration.
func NewDefaultConfig() *Config {
	return &Config{
		ListenPort:         42069,
		MaxUploadSlots:     0,
		OptimisticSlots:    1,
		MaxPeers:           50,
		NominalDialTimeout: 20 * time.Second,
		HandshakeTimeout:   4 * time.Second,
		KeepAliveTimeout:   2 * time.Minute,
		Logger:             log.Default,
	}
}

// rateLimiter builds a token bucket from a bytes/s ceiling, treating zero
// as unlimited.
func rateLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// knownConfigKeys enumerates exactly the keys §6 names; LoadConfig rejects
// anything else.
var knownConfigKeys = map[string]bool{
	"listen_port":       true,
	"listen_ip":         true,
	"max_upload_slots":  true,
	"max_upload_rate":   true,
	"max_download_rate": true,
	"optimistic_slots":  true,
	"dht":               true,
	"dht_port":          true,
	"download_dir":      true,
	"dotdir":            true,
	"max_peers":         true,
}

// LoadConfig applies a proplist of typed values on top of NewDefaultConfig,
// rejecting any key not in knownConfigKeys.
func LoadConfig(values map[string]any) (*Config, error) {
	for k := range values {
		if !knownConfigKeys[k] {
			return nil, fmt.Errorf("unknown config key %q", k)
		}
	}
	cfg := NewDefaultConfig()
	if v, ok := values["listen_port"].(int); ok {
		cfg.ListenPort = v
	}
	if v, ok := values["listen_ip"].(string); ok {
		cfg.ListenIP = v
	}
	if v, ok := values["max_upload_slots"].(int); ok {
		cfg.MaxUploadSlots = v
	}
	if v, ok := values["max_upload_rate"].(int64); ok {
		cfg.MaxUploadRate = v
	}
	if v, ok := values["max_download_rate"].(int64); ok {
		cfg.MaxDownloadRate = v
	}
	if v, ok := values["optimistic_slots"].(int); ok {
		cfg.OptimisticSlots = v
	}
	if v, ok := values["dht"].(bool); ok {
		cfg.DHT = v
	}
	if v, ok := values["dht_port"].(int); ok {
		cfg.DHTPort = v
	}
	if v, ok := values["download_dir"].(string); ok {
		cfg.DownloadDir = v
	}
	if v, ok := values["dotdir"].(string); ok {
		cfg.DotDir = v
	}
	if v, ok := values["max_peers"].(int); ok {
		cfg.MaxPeers = v
	}
	return cfg, nil
}
