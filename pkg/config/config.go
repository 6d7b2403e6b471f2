package config

import (
	"time"

	"github.com/spf13/pflag"
)

type (
	Config struct {
		App        App
		Signaling  Signaling
		Webrtc     Webrtc
		Media      Media
		Monitoring Monitoring
		Debug      bool
	}
	App struct {
		// UserId is an opaque identifier of this device in every channel.
		// Generated on startup when left empty.
		UserId   string
		Channels []Channel
	}
	// Channel is a static audio group definition; the frequency label
	// is purely cosmetic.
	Channel struct {
		Id        string
		Name      string
		Frequency string
	}
	Signaling struct {
		Address  string
		Endpoint string
		Secure   bool
		// Bounded retry after a connectivity loss; when the attempts
		// run out the transport stays down until an explicit reconnect.
		ReconnectInterval time.Duration
		ReconnectAttempts int
		KeepaliveInterval time.Duration
	}
	Webrtc struct {
		DisableDefaultInterceptors bool
		IceServers                 []IceServer
		IcePorts                   struct {
			Min uint16
			Max uint16
		}
		LogLevel int
	}
	IceServer struct {
		Urls       string `json:"urls,omitempty"`
		Username   string `json:"username,omitempty"`
		Credential string `json:"credential,omitempty"`
	}
	Media struct {
		// ClipDir is where relay-mode clips are spooled before playback;
		// empty means the system temp dir.
		ClipDir string
		// ClipMaxSize bounds a decoded relay clip in bytes, 0 = unbounded.
		ClipMaxSize int
	}
	Monitoring struct {
		Port             int
		URLPrefix        string
		MetricEnabled    bool
		ProfilingEnabled bool
	}
)

func (w *Webrtc) HasPortRange() bool  { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (m *Monitoring) IsEnabled() bool { return m.MetricEnabled || m.ProfilingEnabled }

// ChannelById finds a channel in the static list.
func (a *App) ChannelById(id string) (Channel, bool) {
	for _, ch := range a.Channels {
		if ch.Id == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// allows custom config path
var configPath string

func NewConfig() *Config {
	conf := Config{
		Signaling: Signaling{
			Endpoint:          "/ws",
			ReconnectInterval: time.Second,
			ReconnectAttempts: 5,
			KeepaliveInterval: time.Second,
		},
	}
	if err := LoadConfig(&conf, configPath); err != nil {
		// a missing config file is fine, the env and flags still apply
		_ = LoadConfigEnv(&conf)
	}
	return &conf
}

func (c *Config) ParseFlags() {
	c.WithFlags(pflag.CommandLine)
	pflag.Parse()
}

func (c *Config) WithFlags(fs *pflag.FlagSet) *Config {
	fs.StringVar(&c.App.UserId, "id", c.App.UserId, "User id (generated when empty)")
	fs.StringVar(&c.Signaling.Address, "server", c.Signaling.Address, "Signaling server address (host:port)")
	fs.BoolVar(&c.Signaling.Secure, "secure", c.Signaling.Secure, "Use wss:// for signaling")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
	fs.BoolVar(&c.Debug, "v", c.Debug, "Verbose logging")
	fs.StringVarP(&configPath, "conf", "c", "", "Set custom configuration file path")
	return c
}
