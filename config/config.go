package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	ShutdownTimeout = 2 * time.Second
	ConnmuxPath     = "/etc/connmux"
)

type ByteOrder string

const (
	NetworkOrder ByteOrder = "network"
	NativeOrder  ByteOrder = "native"
)

type FrameKind string

const (
	FrameNone   FrameKind = "none"
	FrameLength FrameKind = "length"
	FrameVarint FrameKind = "varint"
)

// Framing selects the frame codec used by a stream.
type Framing struct {
	Kind  FrameKind `toml:"kind"`
	Order ByteOrder `toml:"byte_order"`
	// LengthIncludesHeader means the length prefix counts its own four bytes.
	LengthIncludesHeader bool `toml:"length_includes_header"`
	// IncludeHeader returns the prefix together with the payload on extraction.
	IncludeHeader bool   `toml:"include_header"`
	MaxFrameSize  uint32 `toml:"max_frame_size"`
}

type Stream struct {
	ReadBlockSize  int `toml:"read_block_size"`
	WriteBlockSize int `toml:"write_block_size"`
}

type Listener struct {
	Address          string        `toml:"address"`
	Network          string        `toml:"network"`
	Backlog          int           `toml:"backlog"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	AcceptRate       float64       `toml:"accept_rate"`
	AcceptBurst      int           `toml:"accept_burst"`
}

type Connector struct {
	Address          string        `toml:"address"`
	Network          string        `toml:"network"`
	InitialDelay     time.Duration `toml:"initial_delay"`
	RetryPeriod      time.Duration `toml:"retry_period"`
	Factor           float64       `toml:"factor"`
	Jitter           float64       `toml:"jitter"`
	Cap              time.Duration `toml:"cap"`
	MaxAttempts      int           `toml:"max_attempts"`
	Timeout          time.Duration `toml:"timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
}

// Backoff returns the retry schedule of the connector. A factor of 1 keeps
// the retry period fixed.
func (c Connector) Backoff() wait.Backoff {
	factor := c.Factor
	if factor < 1 {
		factor = 1
	}
	return wait.Backoff{
		Duration: c.RetryPeriod,
		Factor:   factor,
		Jitter:   c.Jitter,
		Steps:    int(^uint(0) >> 1),
		Cap:      c.Cap,
	}
}

type Datagram struct {
	Network string `toml:"network"`
	Bind    string `toml:"bind"`
	Peer    string `toml:"peer"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type Metrics struct {
	Address string `toml:"address"`
}

type Options struct {
	Stream    Stream    `toml:"stream"`
	Framing   Framing   `toml:"framing"`
	Listener  Listener  `toml:"listener"`
	Connector Connector `toml:"connector"`
	Datagram  Datagram  `toml:"datagram"`
	TLS       TLSConfig `toml:"tls"`
	Metrics   Metrics   `toml:"metrics"`
	Workers   int       `toml:"workers"`
}

func Default() Options {
	return Options{
		Stream: Stream{
			ReadBlockSize:  64 * 1024,
			WriteBlockSize: 64 * 1024,
		},
		Framing: Framing{
			Kind:         FrameNone,
			Order:        NetworkOrder,
			MaxFrameSize: 16 * 1024 * 1024,
		},
		Listener: Listener{
			Address:          "127.0.0.1:7070",
			Network:          "tcp",
			Backlog:          128,
			HandshakeTimeout: 10 * time.Second,
		},
		Connector: Connector{
			Address:          "127.0.0.1:7070",
			Network:          "tcp",
			RetryPeriod:      100 * time.Millisecond,
			Factor:           2.0,
			Jitter:           0.1,
			Cap:              5 * time.Second,
			MaxAttempts:      5,
			Timeout:          30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Datagram: Datagram{
			Network: "udp",
		},
	}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return opts, fmt.Errorf("could not decode config %q: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return opts, nil
}

func (o Options) Validate() error {
	var errs []error
	if o.Stream.ReadBlockSize <= 0 {
		errs = append(errs, errors.New("stream.read_block_size must be positive"))
	}
	if o.Stream.WriteBlockSize <= 0 {
		errs = append(errs, errors.New("stream.write_block_size must be positive"))
	}
	switch o.Framing.Kind {
	case FrameNone, FrameLength, FrameVarint:
	default:
		errs = append(errs, fmt.Errorf("unknown framing.kind %q", o.Framing.Kind))
	}
	switch o.Framing.Order {
	case NetworkOrder, NativeOrder:
	default:
		errs = append(errs, fmt.Errorf("unknown framing.byte_order %q", o.Framing.Order))
	}
	if o.Listener.Backlog <= 0 {
		errs = append(errs, errors.New("listener.backlog must be positive"))
	}
	if o.Connector.RetryPeriod <= 0 {
		errs = append(errs, errors.New("connector.retry_period must be positive"))
	}
	if o.Connector.MaxAttempts < 0 {
		errs = append(errs, errors.New("connector.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}
