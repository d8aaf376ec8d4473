package firewall

import (
	"regexp"
	"strconv"
	"strings"
)

// ObservedRule is one live entry from `ufw status numbered`.
type ObservedRule struct {
	Index     int
	Target    string // "22/tcp", "30000:32767/tcp"
	Action    string // ALLOW, DENY, REJECT, LIMIT
	Direction string // IN, OUT
	From      string // CIDR or "Anywhere"
	Comment   string
}

// Owned reports whether this tool created the rule.
func (o ObservedRule) Owned() bool {
	return strings.HasPrefix(o.Comment, commentPrefix)
}

var (
	numberedRe = regexp.MustCompile(`^\[\s*(\d+)\]\s+(.+?)\s{2,}(ALLOW|DENY|REJECT|LIMIT)\s+(IN|OUT)\s+(.+?)(?:\s+#\s*(.*))?$`)
	defaultsRe = regexp.MustCompile(`Default:\s+(\w+)\s+\(incoming\),\s+(\w+)\s+\(outgoing\)`)
)

// parseNumbered extracts the active state and rule list from
// `ufw status numbered` output. IPv6 shadow rules are skipped; the
// policy owns the v4 entries and ufw mirrors them itself.
func parseNumbered(out string) (active bool, rules []ObservedRule) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \r")

		if strings.HasPrefix(line, "Status:") {
			active = strings.TrimSpace(strings.TrimPrefix(line, "Status:")) == "active"

			continue
		}

		m := numberedRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}

		target := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[2]), "(out)"))
		from := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[5]), "(out)"))
		if strings.Contains(target, "(v6)") || strings.Contains(from, "(v6)") {
			continue
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		rules = append(rules, ObservedRule{
			Index:     idx,
			Target:    target,
			Action:    m[3],
			Direction: m[4],
			From:      from,
			Comment:   strings.TrimSpace(m[6]),
		})
	}

	return active, rules
}

// parseDefaults extracts the default incoming/outgoing policies from
// `ufw status verbose` output. Empty strings mean the line was absent,
// which happens when ufw is inactive.
func parseDefaults(out string) (incoming, outgoing string) {
	m := defaultsRe.FindStringSubmatch(out)
	if m == nil {
		return "", ""
	}

	return m[1], m[2]
}
