package prudp

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/Link-3DS/nex/prudp/core/kerberos"
)

// ServerConfig is fixed once a server is built from it.
type ServerConfig struct {
	ListenAddress   string `yaml:"listen_address"`
	ProtocolVersion int    `yaml:"protocol_version"`
	FragmentSize    int    `yaml:"fragment_size"`
	AccessKey       string `yaml:"access_key"`

	KerberosPassword   string        `yaml:"kerberos_password"`
	KerberosKeySize    int           `yaml:"kerberos_key_size"`
	KerberosDerivation int           `yaml:"kerberos_derivation"`
	KerberosServerPID  uint32        `yaml:"kerberos_server_pid"`
	TicketMaxAge       time.Duration `yaml:"ticket_max_age"`

	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`
	MaxRetransmits    int           `yaml:"max_retransmits"`
	FragmentPacing    time.Duration `yaml:"fragment_pacing"`
	InitialSequenceID uint16        `yaml:"initial_sequence_id"`
	MaxSubstreamID    uint8         `yaml:"max_substream_id"`

	ReceiveWorkers       int    `yaml:"receive_workers"`
	DispatchWorkers      int    `yaml:"dispatch_workers"`
	DispatchQueue        int    `yaml:"dispatch_queue"`
	DispatchBackpressure string `yaml:"dispatch_backpressure"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress:        ":60000",
		ProtocolVersion:      1,
		FragmentSize:         DefaultFragmentSize,
		KerberosKeySize:      kerberos.DefaultKeySize,
		KerberosDerivation:   int(kerberos.ModeDirect),
		KerberosServerPID:    2,
		TicketMaxAge:         2 * time.Minute,
		IdleTimeout:          60 * time.Second,
		CleanupInterval:      5 * time.Second,
		RetransmitTimeout:    time.Second,
		MaxRetransmits:       5,
		FragmentPacing:       500 * time.Millisecond,
		InitialSequenceID:    DefaultInitialSequenceID,
		DispatchWorkers:      8,
		DispatchQueue:        1024,
		DispatchBackpressure: BackpressureBlock.String(),
	}
}

// Validate reports every problem at once.
func (c *ServerConfig) Validate() error {
	var errs []string

	if strings.TrimSpace(c.ListenAddress) == "" {
		errs = append(errs, "listen_address is required")
	}
	if c.ProtocolVersion != 0 && c.ProtocolVersion != 1 {
		errs = append(errs, fmt.Sprintf("protocol_version must be 0 or 1, got %d", c.ProtocolVersion))
	}
	if c.FragmentSize <= 0 || c.FragmentSize > 0xFFFF {
		errs = append(errs, fmt.Sprintf("fragment_size must be in 1..65535, got %d", c.FragmentSize))
	}
	if c.KerberosKeySize <= 0 {
		errs = append(errs, "kerberos_key_size must be positive")
	}
	if c.KerberosDerivation != 0 && c.KerberosDerivation != 1 {
		errs = append(errs, fmt.Sprintf("kerberos_derivation must be 0 or 1, got %d", c.KerberosDerivation))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, "cleanup_interval must be positive")
	}
	if c.RetransmitTimeout <= 0 {
		errs = append(errs, "retransmit_timeout must be positive")
	}
	if c.MaxRetransmits < 0 {
		errs = append(errs, "max_retransmits cannot be negative")
	}
	if c.FragmentPacing < 0 {
		errs = append(errs, "fragment_pacing cannot be negative")
	}
	if c.ReceiveWorkers < 0 || c.DispatchWorkers < 0 || c.DispatchQueue < 0 {
		errs = append(errs, "worker and queue sizes cannot be negative")
	}
	if _, err := ParseBackpressure(c.DispatchBackpressure); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid server config:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

// Variant is the UDP wire format selected by ProtocolVersion.
func (c *ServerConfig) Variant() Variant {
	if c.ProtocolVersion == 0 {
		return VariantV0
	}
	return VariantV1
}

func (c *ServerConfig) receiveWorkers() int {
	if c.ReceiveWorkers > 0 {
		return c.ReceiveWorkers
	}
	return runtime.NumCPU()
}

// Secure reports whether CONNECT must carry a Kerberos ticket.
func (c *ServerConfig) Secure() bool {
	return c.KerberosPassword != ""
}
