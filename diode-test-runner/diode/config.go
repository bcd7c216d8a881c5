package diode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultMTU               = 1500
	defaultEncodingBlockSize = 30000
	defaultRepairBlockSize   = 3000

	defaultHeartbeatMs                = 500
	defaultSessionExpirationTimeoutMs = 1000
)

// Role is the role of a process in the diode topology. The role is also the
// name of the executable implementing it.
type Role string

const (
	RoleSend        Role = "diode-send"
	RoleReceive     Role = "diode-receive"
	RoleSendFile    Role = "diode-send-file"
	RoleReceiveFile Role = "diode-receive-file"
	RoleSendDir     Role = "diode-send-dir"
	RoleRelay       Role = "network-behavior"
	RoleThrottle    Role = "throttlefs"
)

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// stem is the role as used in artifact file names (diode-send -> diode_send).
func (r Role) stem() string {
	return strings.ReplaceAll(string(r), "-", "_")
}

// Knobs are the scenario tuning knobs that end up in the transport
// configuration. Zero values mean "unset".
type Knobs struct {
	// MTU is the UDP link MTU.
	MTU int `json:"mtu,omitempty"`
	// EncodingBlockSize is the FEC encoding block size in bytes.
	EncodingBlockSize int `json:"encoding_block_size,omitempty"`
	// RepairBlockSize is the FEC repair block size in bytes.
	RepairBlockSize int `json:"repair_block_size,omitempty"`
	// MaxBandwidth is the sender rate limit in Mbit/s.
	MaxBandwidth float64 `json:"max_bandwidth,omitempty"`
	// BlockExpirationTimeoutMs is the receiver block expiration timeout.
	BlockExpirationTimeoutMs int `json:"block_expiration_timeout,omitempty"`
}

// ResolvedKnobs are knobs with every default applied.
type ResolvedKnobs struct {
	MTU               int
	EncodingBlockSize int
	RepairBlockSize   int

	// MaxBandwidth is nil when the bandwidth is not limited.
	MaxBandwidth *float64

	BlockExpirationTimeoutMs *int
}

// Resolve applies the default rules to the knobs.
//
// The repair block size is the override if set, else twice the MTU if the
// MTU is set, else 3000. The repair rule looks at the MTU before the MTU
// default is applied.
func (k Knobs) Resolve() ResolvedKnobs {
	r := ResolvedKnobs{
		MTU:               k.MTU,
		EncodingBlockSize: k.EncodingBlockSize,
		RepairBlockSize:   k.RepairBlockSize,
	}

	switch {
	case k.RepairBlockSize > 0:
	case k.MTU > 0:
		r.RepairBlockSize = 2 * k.MTU
	default:
		r.RepairBlockSize = defaultRepairBlockSize
	}
	if r.EncodingBlockSize <= 0 {
		r.EncodingBlockSize = defaultEncodingBlockSize
	}
	if r.MTU <= 0 {
		r.MTU = defaultMTU
	}
	if k.MaxBandwidth > 0 {
		bw := k.MaxBandwidth
		r.MaxBandwidth = &bw
	}
	if k.BlockExpirationTimeoutMs > 0 {
		t := k.BlockExpirationTimeoutMs
		r.BlockExpirationTimeoutMs = &t
	}

	return r
}

// Ports are the fixed endpoints of the topology. They are constant for a
// scenario, so only one scenario may run at a time.
type Ports struct {
	// SenderBindTCP is where diode-send accepts file-ingest clients.
	SenderBindTCP string `json:"sender_bind_tcp"`
	// SenderBindUDP is the UDP source address of diode-send.
	SenderBindUDP string `json:"sender_bind_udp"`
	// UDPAddr is the receive side UDP address.
	UDPAddr string `json:"udp_addr"`
	// PublicUDPPort is the UDP port diode-send targets.
	PublicUDPPort uint16 `json:"public_udp_port"`
	// ReboundUDPPort is the UDP port diode-receive binds when the relay sits
	// on the public port.
	ReboundUDPPort uint16 `json:"rebound_udp_port"`
	// RelayBindUDP is the address the relay binds.
	RelayBindUDP string `json:"relay_bind_udp"`
	// ReceiveFileBindTCP is where diode-receive-file accepts diode-receive.
	ReceiveFileBindTCP string `json:"receive_file_bind_tcp"`
}

// DefaultPorts returns the default endpoints.
func DefaultPorts() Ports {
	return Ports{
		SenderBindTCP:      "127.0.0.1:5000",
		SenderBindUDP:      "127.0.0.1:0",
		UDPAddr:            "127.0.0.1",
		PublicUDPPort:      5000,
		ReboundUDPPort:     6000,
		RelayBindUDP:       "0.0.0.0:5000",
		ReceiveFileBindTCP: "127.0.0.1:7000",
	}
}

// ReceiverUDPPort returns the UDP port diode-receive binds.
func (p Ports) ReceiverUDPPort(faultsActive bool) uint16 {
	if faultsActive {
		return p.ReboundUDPPort
	}
	return p.PublicUDPPort
}

// ReceiverUDPAddr returns the UDP endpoint diode-receive binds.
func (p Ports) ReceiverUDPAddr(faultsActive bool) string {
	return fmt.Sprintf("%s:%d", p.UDPAddr, p.ReceiverUDPPort(faultsActive))
}

// TransportConfig is the configuration file read by diode-send and
// diode-receive.
type TransportConfig struct {
	EncodingBlockSize int      `toml:"encoding_block_size"`
	RepairBlockSize   int      `toml:"repair_block_size"`
	UDPAddr           string   `toml:"udp_addr"`
	UDPPort           []uint16 `toml:"udp_port"`
	UDPMTU            int      `toml:"udp_mtu"`
	Heartbeat         int      `toml:"heartbeat"`
	LogConfig         string   `toml:"log_config,omitempty"`

	Sender   *SenderConfig   `toml:"sender,omitempty"`
	Receiver *ReceiverConfig `toml:"receiver,omitempty"`
}

// SenderConfig is the diode-send specific part of a TransportConfig.
type SenderConfig struct {
	BindTCP      string   `toml:"bind_tcp"`
	BindUDP      string   `toml:"bind_udp"`
	MaxBandwidth *float64 `toml:"max_bandwidth,omitempty"`
}

// ReceiverConfig is the diode-receive specific part of a TransportConfig.
type ReceiverConfig struct {
	ToTCP                    string `toml:"to_tcp"`
	BlockExpirationTimeout   *int   `toml:"block_expiration_timeout,omitempty"`
	SessionExpirationTimeout int    `toml:"session_expiration_timeout"`
}

// SynthesizeConfig builds the transport configuration of role. Only
// RoleSend and RoleReceive have one.
func SynthesizeConfig(role Role, knobs ResolvedKnobs, ports Ports, faultsActive bool, logConfigPath string) (*TransportConfig, error) {
	cfg := &TransportConfig{
		EncodingBlockSize: knobs.EncodingBlockSize,
		RepairBlockSize:   knobs.RepairBlockSize,
		UDPAddr:           ports.UDPAddr,
		UDPMTU:            knobs.MTU,
		Heartbeat:         defaultHeartbeatMs,
		LogConfig:         logConfigPath,
		Sender: &SenderConfig{
			BindTCP:      ports.SenderBindTCP,
			BindUDP:      ports.SenderBindUDP,
			MaxBandwidth: knobs.MaxBandwidth,
		},
		Receiver: &ReceiverConfig{
			ToTCP:                    ports.ReceiveFileBindTCP,
			BlockExpirationTimeout:   knobs.BlockExpirationTimeoutMs,
			SessionExpirationTimeout: defaultSessionExpirationTimeoutMs,
		},
	}

	switch role {
	case RoleSend:
		cfg.UDPPort = []uint16{ports.PublicUDPPort}
	case RoleReceive:
		cfg.UDPPort = []uint16{ports.ReceiverUDPPort(faultsActive)}
	default:
		return nil, usageErrorf("role %s has no transport configuration", role)
	}

	return cfg, nil
}

// ConfigPath returns the path of the transport configuration of role.
func ConfigPath(dir string, role Role) string {
	var name string
	switch role {
	case RoleSend:
		name = "lidi_send.toml"
	case RoleReceive:
		name = "lidi_receive.toml"
	default:
		name = "lidi_" + role.stem() + ".toml"
	}
	return filepath.Join(dir, name)
}

// WriteConfig writes the transport configuration of role into dir and
// returns its path.
func WriteConfig(dir string, role Role, cfg *TransportConfig) (string, error) {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConfigWrite, role, err)
	}

	path := ConfigPath(dir, role)
	if err = writeFileExclusive(path, b); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConfigWrite, role, err)
	}
	return path, nil
}

// LogConfig is the log4rs configuration of a diode process.
type LogConfig struct {
	Appenders map[string]LogAppender `yaml:"appenders"`
	Root      LogRoot                `yaml:"root"`
}

// LogAppender is a log4rs appender.
type LogAppender struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// LogRoot is the log4rs root logger.
type LogRoot struct {
	Level     string   `yaml:"level"`
	Appenders []string `yaml:"appenders"`
}

// NewLogConfig returns a configuration logging everything at level or above
// into logFile.
func NewLogConfig(logFile, level string) *LogConfig {
	return &LogConfig{
		Appenders: map[string]LogAppender{
			"file": {
				Kind: "file",
				Path: logFile,
			},
		},
		Root: LogRoot{
			Level:     level,
			Appenders: []string{"file"},
		},
	}
}

// LogConfigPath returns the path of the log configuration of role.
func LogConfigPath(dir string, role Role) string {
	return filepath.Join(dir, "log_config_"+role.stem()+".yml")
}

// LogPath returns the path of the log file of role.
func LogPath(dir string, role Role) string {
	return filepath.Join(dir, role.stem()+".log")
}

// WriteLogConfig writes the log configuration of role into dir and returns
// its path.
func WriteLogConfig(dir string, role Role, logFile, level string) (string, error) {
	b, err := yaml.Marshal(NewLogConfig(logFile, level))
	if err != nil {
		return "", fmt.Errorf("%w: %s log config: %v", ErrConfigWrite, role, err)
	}

	path := LogConfigPath(dir, role)
	if err = writeFileExclusive(path, b); err != nil {
		return "", fmt.Errorf("%w: %s log config: %v", ErrConfigWrite, role, err)
	}
	return path, nil
}

// writeFileExclusive writes a file that must not exist yet, so that a
// configuration is never rewritten under a running process.
func writeFileExclusive(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
