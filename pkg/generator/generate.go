// Package generator turns a rules.RuleSet into the nft JSON program that
// replaces the drfw table.
package generator

import (
	"sort"

	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/rules"
)

const (
	chainPriority = -10

	ChainInput   = "input"
	ChainForward = "forward"
	ChainOutput  = "output"
)

var (
	strictICMPTypes = []string{
		"echo-reply",
		"destination-unreachable",
		"echo-request",
		"time-exceeded",
	}
	strictICMPv6Types = []string{
		"destination-unreachable",
		"packet-too-big",
		"time-exceeded",
		"echo-request",
		"echo-reply",
		"nd-neighbor-solicit",
		"nd-neighbor-advert",
	}
)

// Generate builds the full program for rs. It is pure: equal inputs always
// yield byte-identical serializations.
func Generate(rs rules.RuleSet) nft.Config {
	var cfg nft.Config
	addSetup(&cfg, rs.Settings.ServerMode())

	for _, body := range SafetyPrefix(rs.Settings) {
		cfg.Add("rule", body)
	}

	for _, r := range orderedRules(rs) {
		cfg.Add("rule", userRule(r))
	}

	addTermination(&cfg, rs.Settings)
	return cfg
}

func addSetup(cfg *nft.Config, serverMode bool) {
	cfg.Add("table", nft.TableBody())
	cfg.Append("flush", "table", nft.TableBody())

	outputPolicy := "accept"
	if serverMode {
		outputPolicy = "drop"
	}
	cfg.Add("chain", nft.ChainBody(ChainInput, ChainInput, chainPriority, "drop"))
	cfg.Add("chain", nft.ChainBody(ChainForward, ChainForward, chainPriority, "drop"))
	cfg.Add("chain", nft.ChainBody(ChainOutput, ChainOutput, chainPriority, outputPolicy))
}

// SafetyPrefix returns the input-chain rules every generated program starts
// with, as add-rule bodies: optional reverse path filtering, loopback,
// connection tracking, redirect drops and ICMP.
func SafetyPrefix(s rules.Settings) []map[string]any {
	var out []map[string]any
	add := func(comment string, exprs ...nft.Expr) {
		out = append(out, nft.RuleBody(ChainInput, comment, exprs...))
	}

	if s.AntiSpoof {
		add("drop packets with spoofed source addresses (RPF)",
			nft.Match(nft.Fib("oif", "saddr", "iif"), "==", false),
			nft.Drop())
	}
	add("allow from loopback",
		nft.Match(nft.Meta("iifname"), "==", "lo"),
		nft.Accept())
	add("early drop of invalid connections",
		nft.Match(nft.Ct("state"), "==", nft.Strings("invalid")),
		nft.Drop())
	add("allow tracked connections",
		nft.Match(nft.Ct("state"), "in", nft.Strings("established", "related")),
		nft.Accept())
	add("drop icmp redirects",
		nft.Match(nft.Meta("l4proto"), "==", "icmp"),
		nft.Match(nft.Payload("icmp", "type"), "==", "redirect"),
		nft.Drop())
	add("drop icmpv6 redirects",
		nft.Match(nft.Meta("l4proto"), "==", "ipv6-icmp"),
		nft.Match(nft.Payload("icmpv6", "type"), "==", "nd-redirect"),
		nft.Drop())

	icmp := []nft.Expr{nft.Match(nft.Meta("l4proto"), "==", "icmp")}
	icmp6 := []nft.Expr{nft.Match(nft.Meta("l4proto"), "==", "ipv6-icmp")}
	v4Comment, v6Comment := "allow icmp", "allow icmp v6"
	if s.StrictICMP {
		icmp = append(icmp, nft.Match(nft.Payload("icmp", "type"), "in", nft.Strings(strictICMPTypes...)))
		icmp6 = append(icmp6, nft.Match(nft.Payload("icmpv6", "type"), "in", nft.Strings(strictICMPv6Types...)))
		v4Comment, v6Comment = "allow essential icmp (strict mode)", "allow essential icmpv6 (strict mode)"
	}
	if s.ICMPRateLimit > 0 {
		icmp = append(icmp, nft.Limit(s.ICMPRateLimit, "second", 0))
		icmp6 = append(icmp6, nft.Limit(s.ICMPRateLimit, "second", 0))
	}
	add(v4Comment, append(icmp, nft.Accept())...)
	add(v6Comment, append(icmp6, nft.Accept())...)
	return out
}

// orderedRules applies the enabled/egress filters and a stable sort on Order.
func orderedRules(rs rules.RuleSet) []rules.Rule {
	out := make([]rules.Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if !r.IsEnabled() {
			continue
		}
		if r.ChainOrDefault() == rules.ChainOutput && !rs.Settings.ServerMode() {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func userRule(r rules.Rule) map[string]any {
	var exprs []nft.Expr

	proto := r.Protocol
	switch proto {
	case rules.ProtocolTCP, rules.ProtocolUDP, rules.ProtocolICMP:
		exprs = append(exprs, nft.Match(nft.Meta("l4proto"), "==", string(proto)))
	case rules.ProtocolICMPv6:
		exprs = append(exprs, nft.Match(nft.Meta("l4proto"), "==", "ipv6-icmp"))
	case rules.ProtocolTCPUDP:
		exprs = append(exprs, nft.Match(nft.Meta("l4proto"), "in", nft.Strings("tcp", "udp")))
	}

	if r.Source != nil {
		exprs = append(exprs, addrMatch("saddr", *r.Source))
	}
	if r.Destination != nil {
		exprs = append(exprs, addrMatch("daddr", *r.Destination))
	}

	if r.Interface != nil {
		key := "iifname"
		if r.Interface.Direction == rules.DirectionOut {
			key = "oifname"
		}
		exprs = append(exprs, nft.Match(nft.Meta(key), "==", r.Interface.Name))
	}

	if len(r.Ports) > 0 && proto.SupportsPorts() {
		l4 := string(proto)
		if proto == rules.ProtocolTCPUDP {
			l4 = "th"
		}
		exprs = append(exprs, nft.Match(nft.Payload(l4, "dport"), "==", portValue(r.Ports)))
	}

	if r.ConnectionLimit > 0 {
		exprs = append(exprs, nft.CtCount(r.ConnectionLimit))
	}
	if rl := r.RateLimit; rl != nil {
		exprs = append(exprs, nft.Limit(rl.Rate, rl.Unit(), rl.Burst))
	}
	label := rules.SanitizeLabel(r.Label)
	if r.Log {
		exprs = append(exprs, nft.Log("DRFW-"+label+": ", ""))
	}

	exprs = append(exprs, verdict(r))
	return nft.RuleBody(string(r.ChainOrDefault()), label, exprs...)
}

func addrMatch(field string, n rules.Network) nft.Expr {
	family := "ip"
	if n.Is6() {
		family = "ip6"
	}
	var right any = n.Prefix.Addr().String()
	if !n.IsHost() {
		right = nft.Prefix(n.Prefix.Addr().String(), n.Prefix.Bits())
	}
	return nft.Match(nft.Payload(family, field), "==", right)
}

func portValue(ports []rules.PortSpec) any {
	one := func(p rules.PortSpec) any {
		if p.IsSingle() {
			return p.Start
		}
		return nft.Range(p.Start, p.End)
	}
	if len(ports) == 1 {
		return one(ports[0])
	}
	items := make([]any, len(ports))
	for i, p := range ports {
		items[i] = one(p)
	}
	return nft.Set(items...)
}

func verdict(r rules.Rule) nft.Expr {
	switch r.ActionOrDefault() {
	case rules.ActionDrop:
		return nft.Drop()
	case rules.ActionReject:
		if r.RejectOrDefault() == rules.RejectTCPReset {
			return nft.RejectTCPReset()
		}
		return nft.RejectICMPX(string(r.RejectOrDefault()))
	default:
		return nft.Accept()
	}
}

func addTermination(cfg *nft.Config, s rules.Settings) {
	if s.LogDropped {
		rate := s.LogRatePerMinute
		if rate == 0 {
			rate = rules.DefaultLogRatePerMinute
		}
		prefix := s.LogPrefix
		if prefix == "" {
			prefix = rules.DefaultLogPrefix
		}
		cfg.Add("rule", nft.RuleBody(ChainInput, "log dropped packets (rate limited)",
			nft.Limit(rate, "minute", 0),
			nft.Log(prefix, "info")))
	}
	cfg.Add("rule", nft.RuleBody(ChainInput, "",
		nft.Match(nft.Meta("pkttype"), "==", "host"),
		nft.Limit(5, "second", 0),
		nft.Counter(),
		nft.RejectICMPX("admin-prohibited")))
	cfg.Add("rule", nft.RuleBody(ChainInput, "", nft.Counter()))
}

// Emergency is the minimal-safe program used when every snapshot restore has
// failed: default-deny inbound and forwarded traffic, loopback and tracked
// connections allowed, outbound open.
func Emergency() nft.Config {
	var cfg nft.Config
	addSetup(&cfg, false)
	cfg.Add("rule", nft.RuleBody(ChainInput, "allow from loopback",
		nft.Match(nft.Meta("iifname"), "==", "lo"),
		nft.Accept()))
	cfg.Add("rule", nft.RuleBody(ChainInput, "allow tracked connections",
		nft.Match(nft.Ct("state"), "in", nft.Strings("established", "related")),
		nft.Accept()))
	return cfg
}
