package nft

import (
	"encoding/json"
	"fmt"
	"strings"
)

type chainBlock struct {
	name   string
	header string
	rules  []string
}

// RenderText renders c as an nft script. Every add-rule command yields
// exactly one rule line inside its chain block. Chains appear in the order
// they are first named and rules keep command order within their chain, so
// rules interleaved across chains are grouped per chain.
func RenderText(c Config) string {
	var (
		pre, post []string
		chains    []*chainBlock
		byName    = map[string]*chainBlock{}
		inBlock   bool
	)
	block := func(name string) *chainBlock {
		if b, ok := byName[name]; ok {
			return b
		}
		b := &chainBlock{name: name}
		byName[name] = b
		chains = append(chains, b)
		return b
	}

	for _, cmd := range c.Nftables {
		switch {
		case cmd.Kind == "chain" && (cmd.Verb == "add" || cmd.Verb == "create"):
			inBlock = true
			block(cmd.Name()).header = chainHeader(cmd.Body)
		case cmd.IsRule():
			inBlock = true
			block(cmd.Chain()).rules = append(block(cmd.Chain()).rules, RenderRule(cmd))
		default:
			stmt := renderStatement(cmd)
			if stmt == "" {
				continue
			}
			if inBlock {
				post = append(post, stmt)
			} else {
				pre = append(pre, stmt)
			}
		}
	}

	var b strings.Builder
	for _, s := range pre {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if len(chains) > 0 {
		fmt.Fprintf(&b, "table %s %s {\n", Family, Table)
		for i, ch := range chains {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "\tchain %s {\n", ch.name)
			if ch.header != "" {
				fmt.Fprintf(&b, "\t\t%s\n", ch.header)
			}
			for _, r := range ch.rules {
				fmt.Fprintf(&b, "\t\t%s\n", r)
			}
			b.WriteString("\t}\n")
		}
		b.WriteString("}\n")
	}
	for _, s := range post {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String()
}

func chainHeader(body map[string]any) string {
	hook, _ := body["hook"].(string)
	if hook == "" {
		return ""
	}
	typ, _ := body["type"].(string)
	if typ == "" {
		typ = "filter"
	}
	h := fmt.Sprintf("type %s hook %s priority %s;", typ, hook, scalar(body["prio"]))
	if policy, _ := body["policy"].(string); policy != "" {
		h += " policy " + policy + ";"
	}
	return h
}

func renderStatement(cmd Command) string {
	if cmd.Verb == "" {
		// listing metadata such as metainfo
		return ""
	}
	if cmd.Kind == "table" {
		fam, name := cmd.Family(), cmd.Name()
		if cmd.Verb == "add" {
			return fmt.Sprintf("table %s %s", fam, name)
		}
		return fmt.Sprintf("%s table %s %s", cmd.Verb, fam, name)
	}
	return fmt.Sprintf("# %s %s %s", cmd.Verb, cmd.Kind, raw(cmd.Body))
}

// RenderRule renders a single rule command as one nft line.
func RenderRule(cmd Command) string {
	parts := make([]string, 0, len(cmd.Exprs())+1)
	for _, e := range cmd.Exprs() {
		parts = append(parts, renderExpr(e))
	}
	if comment, _ := cmd.Body["comment"].(string); comment != "" {
		parts = append(parts, fmt.Sprintf("comment %q", comment))
	}
	return strings.Join(parts, " ")
}

func renderExpr(e any) string {
	m, ok := e.(map[string]any)
	if !ok || len(m) != 1 {
		return raw(e)
	}
	for key, body := range m {
		args, _ := body.(map[string]any)
		switch key {
		case "match":
			return renderMatch(args)
		case "accept", "drop", "continue", "return":
			return key
		case "jump", "goto":
			return key + " " + scalar(args["target"])
		case "counter":
			if args != nil && args["packets"] != nil {
				return fmt.Sprintf("counter packets %s bytes %s", scalar(args["packets"]), scalar(args["bytes"]))
			}
			return "counter"
		case "limit":
			s := fmt.Sprintf("limit rate %s/%s", scalar(args["rate"]), unit(args["per"]))
			if args["burst"] != nil {
				s += fmt.Sprintf(" burst %s packets", scalar(args["burst"]))
			}
			return s
		case "log":
			s := "log"
			if p, ok := args["prefix"].(string); ok {
				s += fmt.Sprintf(" prefix %q", p)
			}
			if l, ok := args["level"].(string); ok {
				s += " level " + l
			}
			return s
		case "reject":
			return renderReject(args)
		case "ct count":
			s := "ct count"
			if inv, _ := args["inv"].(bool); inv {
				s += " over"
			}
			return s + " " + scalar(args["val"])
		}
	}
	return raw(e)
}

func unit(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "second"
	}
	return s
}

func renderReject(args map[string]any) string {
	if args == nil {
		return "reject"
	}
	typ, _ := args["type"].(string)
	code, _ := args["expr"].(string)
	switch {
	case typ == "tcp reset":
		return "reject with tcp reset"
	case typ != "" && code != "":
		return fmt.Sprintf("reject with %s %s", typ, code)
	default:
		return "reject"
	}
}

func renderMatch(args map[string]any) string {
	left := renderLeft(args["left"])
	op, _ := args["op"].(string)
	right := renderRight(args["left"], args["right"])
	switch op {
	case "", "==", "in":
		return left + " " + right
	default:
		return left + " " + op + " " + right
	}
}

func renderLeft(v any) string {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return raw(v)
	}
	for key, body := range m {
		args, _ := body.(map[string]any)
		switch key {
		case "meta":
			k := scalar(args["key"])
			switch k {
			case "iifname", "oifname", "iif", "oif", "pkttype", "mark":
				return k
			}
			return "meta " + k
		case "payload":
			return scalar(args["protocol"]) + " " + scalar(args["field"])
		case "ct":
			return "ct " + scalar(args["key"])
		case "fib":
			flags, _ := args["flags"].([]any)
			parts := make([]string, len(flags))
			for i, f := range flags {
				parts[i] = scalar(f)
			}
			return "fib " + strings.Join(parts, " . ") + " " + scalar(args["result"])
		}
	}
	return raw(v)
}

// quotedKeys are meta keys whose right-hand side nft prints quoted.
var quotedKeys = map[string]bool{"iifname": true, "oifname": true}

func renderRight(left, v any) string {
	quote := false
	isCt := false
	isFib := false
	if m, ok := left.(map[string]any); ok {
		if meta, ok := m["meta"].(map[string]any); ok {
			k, _ := meta["key"].(string)
			quote = quotedKeys[k]
		}
		_, isCt = m["ct"]
		_, isFib = m["fib"]
	}

	switch t := v.(type) {
	case bool:
		if isFib {
			if t {
				return "exists"
			}
			return "missing"
		}
		return fmt.Sprint(t)
	case string:
		if quote {
			return fmt.Sprintf("%q", t)
		}
		return t
	case []any:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = renderValue(item, quote)
		}
		if isCt {
			return strings.Join(items, ",")
		}
		if len(items) == 1 {
			return items[0]
		}
		return "{ " + strings.Join(items, ", ") + " }"
	default:
		return renderValue(v, quote)
	}
}

func renderValue(v any, quote bool) string {
	switch t := v.(type) {
	case string:
		if quote {
			return fmt.Sprintf("%q", t)
		}
		return t
	case map[string]any:
		if items, ok := t["set"].([]any); ok {
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = renderValue(item, quote)
			}
			return "{ " + strings.Join(parts, ", ") + " }"
		}
		if r, ok := t["range"].([]any); ok && len(r) == 2 {
			return renderValue(r[0], quote) + "-" + renderValue(r[1], quote)
		}
		if p, ok := t["prefix"].(map[string]any); ok {
			return scalar(p["addr"]) + "/" + scalar(p["len"])
		}
		return raw(t)
	default:
		return scalar(v)
	}
}

// scalar prints strings bare and numbers without exponent form.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%g", t)
	case int, int32, int64, uint16, uint32, uint64, bool:
		return fmt.Sprint(t)
	default:
		return raw(v)
	}
}

func raw(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
