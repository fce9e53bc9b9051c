package nft

// Expr is one nft JSON statement or expression object.
type Expr = map[string]any

// TableBody identifies the drfw table.
func TableBody() map[string]any {
	return map[string]any{"family": Family, "name": Table}
}

// ChainBody describes a base chain attached to hook.
func ChainBody(name, hook string, prio int, policy string) map[string]any {
	return map[string]any{
		"family": Family,
		"table":  Table,
		"name":   name,
		"type":   "filter",
		"hook":   hook,
		"prio":   prio,
		"policy": policy,
	}
}

// RuleBody builds an add-rule body. An empty comment is omitted.
func RuleBody(chain string, comment string, exprs ...Expr) map[string]any {
	list := make([]any, len(exprs))
	for i, e := range exprs {
		list[i] = e
	}
	body := map[string]any{
		"family": Family,
		"table":  Table,
		"chain":  chain,
		"expr":   list,
	}
	if comment != "" {
		body["comment"] = comment
	}
	return body
}

func Match(left any, op string, right any) Expr {
	return Expr{"match": map[string]any{"left": left, "op": op, "right": right}}
}

func Meta(key string) map[string]any {
	return map[string]any{"meta": map[string]any{"key": key}}
}

func Payload(protocol, field string) map[string]any {
	return map[string]any{"payload": map[string]any{"protocol": protocol, "field": field}}
}

func Ct(key string) map[string]any {
	return map[string]any{"ct": map[string]any{"key": key}}
}

// Fib is a forwarding-information-base lookup.
func Fib(result string, flags ...string) map[string]any {
	return map[string]any{"fib": map[string]any{"flags": Strings(flags...), "result": result}}
}

// Set is an anonymous set literal.
func Set(items ...any) map[string]any {
	return map[string]any{"set": items}
}

func Range(lo, hi any) map[string]any {
	return map[string]any{"range": []any{lo, hi}}
}

func Prefix(addr string, bits int) map[string]any {
	return map[string]any{"prefix": map[string]any{"addr": addr, "len": bits}}
}

// Strings converts a string list into a JSON array value.
func Strings(items ...string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func Accept() Expr  { return Expr{"accept": nil} }
func Drop() Expr    { return Expr{"drop": nil} }
func Counter() Expr { return Expr{"counter": nil} }

// Limit rate-limits matches; a zero burst is omitted.
func Limit(rate uint32, per string, burst uint32) Expr {
	body := map[string]any{"rate": rate, "per": per}
	if burst > 0 {
		body["burst"] = burst
	}
	return Expr{"limit": body}
}

// Log emits a kernel log line; an empty level is omitted.
func Log(prefix, level string) Expr {
	body := map[string]any{"prefix": prefix}
	if level != "" {
		body["level"] = level
	}
	return Expr{"log": body}
}

// RejectICMPX rejects with an icmpx code such as admin-prohibited.
func RejectICMPX(code string) Expr {
	return Expr{"reject": map[string]any{"type": "icmpx", "expr": code}}
}

func RejectTCPReset() Expr {
	return Expr{"reject": map[string]any{"type": "tcp reset"}}
}

// CtCount matches while the flow's connection count is at most n.
func CtCount(n uint32) Expr {
	return Expr{"ct count": map[string]any{"val": n}}
}
