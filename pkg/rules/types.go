// Package rules defines the declarative rule model handed to the engine:
// rules, rule sets, global security settings, service presets and
// read-only profile loading.
package rules

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
	yaml "gopkg.in/yaml.v3"
)

// Protocol is the transport selector of a rule.
type Protocol string

const (
	ProtocolAny    Protocol = "any"
	ProtocolTCP    Protocol = "tcp"
	ProtocolUDP    Protocol = "udp"
	ProtocolTCPUDP Protocol = "tcp+udp"
	ProtocolICMP   Protocol = "icmp"
	ProtocolICMPv6 Protocol = "icmpv6"
)

// UnmarshalText normalizes case and accepts icmpv4 as an alias of icmp.
func (p *Protocol) UnmarshalText(b []byte) error {
	switch v := strings.ToLower(strings.TrimSpace(string(b))); v {
	case "", "any", "all":
		*p = ProtocolAny
	case "tcp", "udp", "icmp", "icmpv6":
		*p = Protocol(v)
	case "icmpv4":
		*p = ProtocolICMP
	case "tcp+udp", "tcpudp", "tcp/udp":
		*p = ProtocolTCPUDP
	default:
		return fmt.Errorf("unknown protocol %q", v)
	}
	return nil
}

// SupportsPorts reports whether destination ports are meaningful.
func (p Protocol) SupportsPorts() bool {
	return p == ProtocolTCP || p == ProtocolUDP || p == ProtocolTCPUDP
}

// IsICMP reports whether p is one of the ICMP families.
func (p Protocol) IsICMP() bool {
	return p == ProtocolICMP || p == ProtocolICMPv6
}

// PortSpec is a single port (Start == End) or an inclusive range.
type PortSpec struct {
	Start uint16
	End   uint16
}

// Port returns a single-port spec.
func Port(p uint16) PortSpec { return PortSpec{Start: p, End: p} }

// PortRange returns an inclusive range spec.
func PortRange(start, end uint16) PortSpec { return PortSpec{Start: start, End: end} }

// IsSingle reports whether the spec names exactly one port.
func (s PortSpec) IsSingle() bool { return s.Start == s.End }

func (s PortSpec) String() string {
	if s.IsSingle() {
		return strconv.Itoa(int(s.Start))
	}
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}

// ParsePortSpec parses "22" or "8000-8100".
func ParsePortSpec(s string) (PortSpec, error) {
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid port %q", s)
	}
	if !isRange {
		return Port(uint16(start)), nil
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid port range %q", s)
	}
	return PortRange(uint16(start), uint16(end)), nil
}

func (s *PortSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: port must be a number or \"start-end\"", node.Line)
	}
	spec, err := ParsePortSpec(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = spec
	return nil
}

func (s PortSpec) MarshalYAML() (any, error) {
	if s.IsSingle() {
		return int(s.Start), nil
	}
	return s.String(), nil
}

// Network is an address or CIDR prefix. A bare address is a full-length prefix.
type Network struct {
	Prefix netip.Prefix
}

// ParseNetwork accepts "192.0.2.1", "2001:db8::/32" and similar.
func ParseNetwork(s string) (Network, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Network{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return Network{Prefix: p.Masked()}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Network{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	a = a.Unmap()
	return Network{Prefix: netip.PrefixFrom(a, a.BitLen())}, nil
}

// IsHost reports whether the network is a single address.
func (n Network) IsHost() bool { return n.Prefix.Bits() == n.Prefix.Addr().BitLen() }

// Is6 reports whether the network is IPv6.
func (n Network) Is6() bool { return n.Prefix.Addr().Is6() }

func (n Network) String() string {
	if n.IsHost() {
		return n.Prefix.Addr().String()
	}
	return n.Prefix.String()
}

func (n *Network) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: network must be an address or CIDR", node.Line)
	}
	parsed, err := ParseNetwork(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*n = parsed
	return nil
}

func (n Network) MarshalYAML() (any, error) { return n.String(), nil }

// Direction selects iifname (in) or oifname (out) matching.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Interface matches a network interface by exact name, or by prefix when
// Name ends in "*".
type Interface struct {
	Name      string    `yaml:"name"`
	Direction Direction `yaml:"direction,omitempty"`
}

// UnmarshalYAML accepts either a bare name or a {name, direction} mapping.
func (i *Interface) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*i = Interface{Name: node.Value, Direction: DirectionIn}
		return nil
	}
	type plain Interface
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Direction == "" {
		p.Direction = DirectionIn
	}
	*i = Interface(p)
	return nil
}

// IsWildcard reports whether the name is a prefix match.
func (i Interface) IsWildcard() bool { return strings.HasSuffix(i.Name, "*") }

// Chain is the hook a user rule is attached to.
type Chain string

const (
	ChainInput  Chain = "input"
	ChainOutput Chain = "output"
)

// Action is the verdict of a rule.
type Action string

const (
	ActionAccept Action = "accept"
	ActionDrop   Action = "drop"
	ActionReject Action = "reject"
)

// RejectType is the ICMP/TCP response sent by a reject verdict.
type RejectType string

const (
	RejectAdminProhibited RejectType = "admin-prohibited"
	RejectPortUnreachable RejectType = "port-unreachable"
	RejectHostUnreachable RejectType = "host-unreachable"
	RejectTCPReset        RejectType = "tcp-reset"
)

// RateLimit caps how often a rule may match.
type RateLimit struct {
	Rate  uint32 `yaml:"rate"`
	Per   string `yaml:"per,omitempty"`
	Burst uint32 `yaml:"burst,omitempty"`
}

// Unit returns Per defaulted to "second".
func (r RateLimit) Unit() string {
	if r.Per == "" {
		return "second"
	}
	return r.Per
}

// Rule is one user-defined filter rule.
type Rule struct {
	ID              uuid.UUID  `yaml:"id,omitempty"`
	Label           string     `yaml:"label"`
	Protocol        Protocol   `yaml:"protocol"`
	Ports           []PortSpec `yaml:"ports,omitempty"`
	Source          *Network   `yaml:"source,omitempty"`
	Destination     *Network   `yaml:"destination,omitempty"`
	Interface       *Interface `yaml:"interface,omitempty"`
	Chain           Chain      `yaml:"chain,omitempty"`
	Action          Action     `yaml:"action,omitempty"`
	RejectWith      RejectType `yaml:"reject_with,omitempty"`
	RateLimit       *RateLimit `yaml:"rate_limit,omitempty"`
	ConnectionLimit uint32     `yaml:"connection_limit,omitempty"`
	Log             bool       `yaml:"log,omitempty"`
	Enabled         *bool      `yaml:"enabled,omitempty"`
	Order           int        `yaml:"order,omitempty"`
	Tags            []string   `yaml:"tags,omitempty"`
}

// IsEnabled treats an unset Enabled as true.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// ChainOrDefault returns Chain defaulted to input.
func (r Rule) ChainOrDefault() Chain {
	if r.Chain == "" {
		return ChainInput
	}
	return r.Chain
}

// ActionOrDefault returns Action defaulted to accept.
func (r Rule) ActionOrDefault() Action {
	if r.Action == "" {
		return ActionAccept
	}
	return r.Action
}

// RejectOrDefault returns RejectWith defaulted to admin-prohibited.
func (r Rule) RejectOrDefault() RejectType {
	if r.RejectWith == "" {
		return RejectAdminProhibited
	}
	return r.RejectWith
}

// EgressProfile selects the output chain policy.
type EgressProfile string

const (
	// EgressDesktop allows all outbound traffic; output rules are ignored.
	EgressDesktop EgressProfile = "desktop"
	// EgressServer denies outbound traffic unless an output rule allows it.
	EgressServer EgressProfile = "server"
)

const (
	DefaultLogRatePerMinute = 5
	DefaultLogPrefix        = "DRFW-DROP: "
)

// Settings are the global toggles of a RuleSet.
type Settings struct {
	StrictICMP       bool          `yaml:"strict_icmp"`
	ICMPRateLimit    uint32        `yaml:"icmp_rate_limit"`
	AntiSpoof        bool          `yaml:"anti_spoof"`
	EgressProfile    EgressProfile `yaml:"egress_profile"`
	LogDropped       bool          `yaml:"log_dropped"`
	LogRatePerMinute uint32        `yaml:"log_rate_per_minute"`
	LogPrefix        string        `yaml:"log_prefix"`
}

// DefaultSettings are desktop-compatible: everything optional is off.
func DefaultSettings() Settings {
	return Settings{
		EgressProfile:    EgressDesktop,
		LogRatePerMinute: DefaultLogRatePerMinute,
		LogPrefix:        DefaultLogPrefix,
	}
}

// ServerMode reports whether egress is default-deny.
func (s Settings) ServerMode() bool { return s.EgressProfile == EgressServer }

// RuleSet is an ordered rule list plus global settings.
type RuleSet struct {
	Rules    []Rule   `yaml:"rules"`
	Settings Settings `yaml:"settings"`
}

// New returns an empty RuleSet with default settings.
func New() RuleSet {
	return RuleSet{Settings: DefaultSettings()}
}

// Clone returns a deep copy so callers can hand the engine a value that
// later edits do not affect.
func (rs RuleSet) Clone() RuleSet {
	out := RuleSet{Settings: rs.Settings, Rules: make([]Rule, len(rs.Rules))}
	for i, r := range rs.Rules {
		c := r
		c.Ports = append([]PortSpec(nil), r.Ports...)
		c.Tags = append([]string(nil), r.Tags...)
		if r.Source != nil {
			v := *r.Source
			c.Source = &v
		}
		if r.Destination != nil {
			v := *r.Destination
			c.Destination = &v
		}
		if r.Interface != nil {
			v := *r.Interface
			c.Interface = &v
		}
		if r.RateLimit != nil {
			v := *r.RateLimit
			c.RateLimit = &v
		}
		if r.Enabled != nil {
			v := *r.Enabled
			c.Enabled = &v
		}
		out.Rules[i] = c
	}
	return out
}

// SanitizeLabel keeps ASCII letters, digits and " -_.:" and truncates to 64
// bytes so a label is always safe inside an nft comment.
func SanitizeLabel(s string) string {
	var b strings.Builder
	for _, c := range s {
		if b.Len() == 64 {
			break
		}
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == ' ' || c == '-' || c == '_' || c == '.' || c == ':' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
