package conf

import (
	"fmt"

	"portfwd/internal/sizeutil"
)

// PatternRemote is one remoteMap entry: a routing pattern paired with the
// upstream address flows matching it should be sent to.
type PatternRemote struct {
	Pattern string `yaml:"pattern"`
	Remote  string `yaml:"remote"`
}

// ForwardSessionConfig configures one forwarder: a local bind address,
// its routing table, and its resource limits.
type ForwardSessionConfig struct {
	Local          string          `yaml:"local"`
	RemoteMap      []PatternRemote `yaml:"remoteMap"`
	Remote         string          `yaml:"remote"`
	EnableTCP      *bool           `yaml:"enable_tcp"`
	EnableUDP      *bool           `yaml:"enable_udp"`
	ConnBufsize    string          `yaml:"conn_bufsize"`
	MaxConnections *int64          `yaml:"max_connections"`
	AllowNets      []string        `yaml:"allow_nets"`

	// BufSize is ConnBufsize resolved to a byte count, filled in by validate.
	BufSize int `yaml:"-"`
}

// SetDefaults fills in every optional field's default. Exported so the
// CLI's positional form can normalize a config it builds itself.
func (f *ForwardSessionConfig) SetDefaults() {
	if f.EnableTCP == nil {
		t := true
		f.EnableTCP = &t
	}
	if f.EnableUDP == nil {
		t := true
		f.EnableUDP = &t
	}
	if f.ConnBufsize == "" {
		f.ConnBufsize = "2MB"
	}
	if f.MaxConnections == nil {
		v := int64(-1)
		f.MaxConnections = &v
	}
	// A bare `remote` with no remoteMap is sugar for a one-entry catch-all
	// route, matching the positional CLI form.
	if len(f.RemoteMap) == 0 && f.Remote != "" {
		f.RemoteMap = []PatternRemote{{Pattern: ".*", Remote: f.Remote}}
	}
}

// Validate checks f for consistency, resolving BufSize as a side effect.
func (f *ForwardSessionConfig) Validate() []error {
	var errs []error

	if f.Local == "" {
		errs = append(errs, fmt.Errorf("missing local address"))
	}
	if !*f.EnableTCP && !*f.EnableUDP {
		errs = append(errs, fmt.Errorf("at least one of enable_tcp/enable_udp must be true"))
	}
	if len(f.RemoteMap) == 0 {
		errs = append(errs, fmt.Errorf("missing remote or remoteMap"))
	}

	n, ok := sizeutil.Parse(f.ConnBufsize)
	if !ok || n <= 0 {
		errs = append(errs, fmt.Errorf("invalid conn_bufsize %q", f.ConnBufsize))
	} else {
		f.BufSize = n
	}

	return errs
}
