package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError describes one rejected field of a rule set.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult is the outcome of Validate. Warnings never make a rule
// set invalid.
type ValidationResult struct {
	Valid    bool
	Errors   []*ValidationError
	Warnings []string
}

// Err joins all validation errors, or returns nil when the set is valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) fail(field, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// remoteAccessPorts are flagged when opened to the whole internet.
var remoteAccessPorts = []struct {
	port uint16
	name string
}{
	{22, "SSH"},
	{23, "Telnet"},
	{2375, "Docker API (unencrypted)"},
	{3389, "RDP"},
	{5900, "VNC"},
}

// Validate checks rule-level invariants that the generator relies on but
// does not enforce itself.
func Validate(rs RuleSet) ValidationResult {
	result := ValidationResult{Valid: true}

	s := rs.Settings
	switch s.EgressProfile {
	case "", EgressDesktop, EgressServer:
	default:
		result.fail("settings.egress_profile", "must be desktop or server, got %q", s.EgressProfile)
	}
	if s.LogDropped && s.LogRatePerMinute == 0 {
		result.fail("settings.log_rate_per_minute", "must be positive when log_dropped is enabled")
	}
	if len(s.LogPrefix) > 64 {
		result.fail("settings.log_prefix", "too long (max 64 characters)")
	}
	if strings.ContainsAny(s.LogPrefix, "\"\n\\") {
		result.fail("settings.log_prefix", "must not contain quotes, backslashes or newlines")
	}
	if s.ICMPRateLimit > 1000 {
		result.warn("icmp_rate_limit %d/s is unusually high", s.ICMPRateLimit)
	}
	if s.AntiSpoof {
		result.warn("anti_spoof (reverse path filtering) may break Docker and VPN traffic")
	}

	for i, r := range rs.Rules {
		validateRule(&result, fmt.Sprintf("rules[%d]", i), r, s)
	}
	return result
}

func validateRule(result *ValidationResult, field string, r Rule, s Settings) {
	if len(r.Label) > 64 {
		result.fail(field+".label", "too long (max 64 characters)")
	} else if r.Label != "" && SanitizeLabel(r.Label) == "" {
		result.fail(field+".label", "contains only invalid characters")
	}

	proto := r.Protocol
	if proto == "" {
		proto = ProtocolAny
	}
	switch proto {
	case ProtocolAny, ProtocolTCP, ProtocolUDP, ProtocolTCPUDP, ProtocolICMP, ProtocolICMPv6:
	default:
		result.fail(field+".protocol", "unknown protocol %q", r.Protocol)
	}

	if len(r.Ports) > 0 && !proto.SupportsPorts() {
		result.fail(field+".ports", "ports are not allowed with protocol %s", proto)
	}
	for j, p := range r.Ports {
		pf := fmt.Sprintf("%s.ports[%d]", field, j)
		if p.Start == 0 || p.End == 0 {
			result.fail(pf, "port must be between 1 and 65535")
		} else if p.Start > p.End {
			result.fail(pf, "start port %d is greater than end port %d", p.Start, p.End)
		}
	}

	if r.Source != nil && r.Destination != nil && r.Source.Is6() != r.Destination.Is6() {
		result.fail(field+".destination", "address family differs from source")
	}
	if proto == ProtocolICMP && ((r.Source != nil && r.Source.Is6()) || (r.Destination != nil && r.Destination.Is6())) {
		result.fail(field+".protocol", "icmp cannot match IPv6 addresses, use icmpv6")
	}
	if proto == ProtocolICMPv6 && ((r.Source != nil && !r.Source.Is6()) || (r.Destination != nil && !r.Destination.Is6())) {
		result.fail(field+".protocol", "icmpv6 cannot match IPv4 addresses, use icmp")
	}
	if r.Source != nil && r.Source.Prefix.Bits() == 0 {
		result.warn("%s: source %s matches every address", field, r.Source)
	}

	if r.Interface != nil {
		validateInterface(result, field+".interface", *r.Interface)
	}

	chain := r.ChainOrDefault()
	switch chain {
	case ChainInput, ChainOutput:
	default:
		result.fail(field+".chain", "must be input or output, got %q", r.Chain)
	}
	if chain == ChainOutput && !s.ServerMode() && r.IsEnabled() {
		result.warn("%s: output rule %q is ignored in desktop egress mode", field, r.Label)
	}

	switch r.ActionOrDefault() {
	case ActionAccept, ActionDrop:
		if r.RejectWith != "" {
			result.fail(field+".reject_with", "only valid with action reject")
		}
	case ActionReject:
		switch r.RejectOrDefault() {
		case RejectAdminProhibited, RejectPortUnreachable, RejectHostUnreachable:
		case RejectTCPReset:
			if proto != ProtocolTCP {
				result.fail(field+".reject_with", "tcp-reset requires protocol tcp")
			}
		default:
			result.fail(field+".reject_with", "unknown reject type %q", r.RejectWith)
		}
	default:
		result.fail(field+".action", "must be accept, drop or reject, got %q", r.Action)
	}

	if rl := r.RateLimit; rl != nil {
		if rl.Rate == 0 {
			result.fail(field+".rate_limit.rate", "must be positive")
		}
		switch rl.Unit() {
		case "second", "minute", "hour", "day":
		default:
			result.fail(field+".rate_limit.per", "must be second, minute, hour or day")
		}
	}
	if r.ConnectionLimit > 0 && !proto.SupportsPorts() {
		result.warn("%s: connection_limit on protocol %s counts all flows", field, proto)
	}

	if proto.SupportsPorts() && r.Source == nil && r.ActionOrDefault() == ActionAccept {
		for _, p := range r.Ports {
			for _, ra := range remoteAccessPorts {
				if p.Start <= ra.port && ra.port <= p.End {
					result.warn("%s: %s (port %d) is open to all sources", field, ra.name, ra.port)
				}
			}
		}
	}
}

func validateInterface(result *ValidationResult, field string, iface Interface) {
	name := strings.TrimSuffix(iface.Name, "*")
	switch {
	case iface.Name == "":
		result.fail(field+".name", "must not be empty")
	case len(name) > 15:
		result.fail(field+".name", "too long (max 15 characters)")
	case name == "." || name == "..":
		result.fail(field+".name", "invalid interface name")
	case strings.Contains(name, "*"):
		result.fail(field+".name", "wildcard is only allowed as the last character")
	default:
		for _, c := range name {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-' || c == '_') {
				result.fail(field+".name", "contains invalid character %q", c)
				break
			}
		}
	}
	switch iface.Direction {
	case "", DirectionIn, DirectionOut:
	default:
		result.fail(field+".direction", "must be in or out, got %q", iface.Direction)
	}
}
