package firewall

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/converge/pkg/cmdrunner"
)

const verboseActive = `Status: active
Logging: on (low)
Default: deny (incoming), deny (outgoing), disabled (routed)
New profiles: skip

To                         Action      From
--                         ------      ----
22/tcp                     ALLOW IN    10.0.0.0/24
`

const verboseWrongDefaults = `Status: active
Default: allow (incoming), allow (outgoing), disabled (routed)
`

const verboseOpenEgress = `Status: active
Default: deny (incoming), allow (outgoing), disabled (routed)
`

const numberedConverged = `Status: active

     To                         Action      From
     --                         ------      ----
[ 1] 22/tcp                     ALLOW IN    10.0.0.0/24                # converge:ssh
[ 2] 10250/tcp                  ALLOW IN    10.0.0.0/24                # converge:kubelet-api
[ 3] 53/udp (out)               ALLOW OUT   Anywhere (out)             # converge:dns-out
[ 4] 22/tcp (v6)                ALLOW IN    Anywhere (v6)
`

const numberedWithStale = `Status: active

     To                         Action      From
     --                         ------      ----
[ 1] 22/tcp                     ALLOW IN    10.0.0.0/24                # converge:ssh
[ 2] 8080/tcp                   ALLOW IN    Anywhere                   # converge:old-dashboard
[ 3] 5432/tcp                   ALLOW IN    10.0.0.9                   # handmade postgres rule
`

const numberedInactive = `Status: inactive
`

func testPolicy() Policy {
	return Policy{Allow: []Rule{
		{Name: "ssh", Port: "22", Proto: "tcp", From: "10.0.0.0/24"},
		{Name: "kubelet-api", Port: "10250", Proto: "tcp", From: "10.0.0.0/24"},
		{Name: "dns-out", Port: "53", Proto: "udp", Out: true},
	}}
}

func TestParseNumbered(t *testing.T) {
	active, rules := parseNumbered(numberedWithStale)

	require.True(t, active)
	require.Len(t, rules, 3)

	assert.Equal(t, 1, rules[0].Index)
	assert.Equal(t, "22/tcp", rules[0].Target)
	assert.Equal(t, "ALLOW", rules[0].Action)
	assert.Equal(t, "IN", rules[0].Direction)
	assert.Equal(t, "10.0.0.0/24", rules[0].From)
	assert.Equal(t, "converge:ssh", rules[0].Comment)
	assert.True(t, rules[0].Owned())

	assert.Equal(t, "handmade postgres rule", rules[2].Comment)
	assert.False(t, rules[2].Owned())
}

func TestParseNumberedSkipsV6Shadows(t *testing.T) {
	_, rules := parseNumbered(numberedConverged)

	require.Len(t, rules, 3)
	for _, r := range rules {
		assert.NotContains(t, r.Target, "(v6)")
	}
}

func TestParseNumberedEgress(t *testing.T) {
	_, rules := parseNumbered(numberedConverged)

	require.Len(t, rules, 3)
	out := rules[2]
	assert.Equal(t, "53/udp", out.Target, "the (out) marker is display noise, not identity")
	assert.Equal(t, "OUT", out.Direction)
	assert.Equal(t, "Anywhere", out.From)
	assert.Equal(t, "converge:dns-out", out.Comment)
}

func TestParseNumberedInactive(t *testing.T) {
	active, rules := parseNumbered(numberedInactive)

	assert.False(t, active)
	assert.Empty(t, rules)
}

func TestParseDefaults(t *testing.T) {
	in, out := parseDefaults(verboseActive)
	assert.Equal(t, "deny", in)
	assert.Equal(t, "deny", out)

	in, out = parseDefaults(verboseOpenEgress)
	assert.Equal(t, "deny", in)
	assert.Equal(t, "allow", out)

	in, out = parseDefaults("Status: inactive\n")
	assert.Empty(t, in)
	assert.Empty(t, out)
}

func TestDiffCleanWhenConverged(t *testing.T) {
	d := diff(testPolicy(), verboseActive, numberedConverged)

	assert.True(t, d.Clean())
	assert.Equal(t, "in sync", d.String())
}

func TestDiffFindsMissingAndStale(t *testing.T) {
	d := diff(testPolicy(), verboseActive, numberedWithStale)

	require.Len(t, d.Missing, 2)
	assert.Equal(t, "kubelet-api", d.Missing[0].Name)
	assert.Equal(t, "dns-out", d.Missing[1].Name)

	// only the owned leftover is stale; the handmade rule is foreign
	require.Len(t, d.Stale, 1)
	assert.Equal(t, "converge:old-dashboard", d.Stale[0].Comment)

	assert.False(t, d.Clean())
}

func TestDiffFlagsWrongDefaultsAndInactive(t *testing.T) {
	d := diff(testPolicy(), verboseWrongDefaults, numberedConverged)
	assert.True(t, d.WrongDefaults)

	// deny incoming alone is not enough; egress must be denied too
	d = diff(testPolicy(), verboseOpenEgress, numberedConverged)
	assert.True(t, d.WrongDefaults)

	d = diff(testPolicy(), "", numberedInactive)
	assert.True(t, d.Inactive)
	assert.True(t, d.WrongDefaults)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, testPolicy().Validate())

	bad := Policy{Allow: []Rule{{Name: "", Port: "22", Proto: "tcp"}}}
	assert.Error(t, bad.Validate())

	dup := Policy{Allow: []Rule{
		{Name: "ssh", Port: "22", Proto: "tcp"},
		{Name: "ssh", Port: "2222", Proto: "tcp"},
	}}
	assert.Error(t, dup.Validate())

	noPort := Policy{Allow: []Rule{{Name: "ssh", Proto: "tcp"}}}
	assert.Error(t, noPort.Validate())

	badProto := Policy{Allow: []Rule{{Name: "ssh", Port: "22", Proto: "icmp"}}}
	assert.Error(t, badProto.Validate())
}

func fakeHost(verbose, numbered string) *cmdrunner.Fake {
	return &cmdrunner.Fake{
		HostName: "node-1",
		Handler: func(cmd string) (string, error) {
			switch {
			case strings.Contains(cmd, "status verbose"):
				return verbose, nil
			case strings.Contains(cmd, "status numbered"):
				return numbered, nil
			}

			return "", nil
		},
	}
}

func TestConvergeOrdersDefaultDenyFirst(t *testing.T) {
	f := fakeHost("Status: inactive\n", numberedInactive)

	cmds, err := Converge(context.Background(), f, testPolicy())
	require.NoError(t, err)

	require.Equal(t, []string{
		"sudo ufw default deny incoming",
		"sudo ufw default deny outgoing",
		"sudo ufw allow proto tcp from 10.0.0.0/24 to any port 22 comment 'converge:ssh'",
		"sudo ufw allow proto tcp from 10.0.0.0/24 to any port 10250 comment 'converge:kubelet-api'",
		"sudo ufw allow out proto udp to any port 53 comment 'converge:dns-out'",
		"sudo ufw --force enable",
	}, cmds)
}

func TestConvergeDeletesStaleDescending(t *testing.T) {
	numbered := `Status: active

[ 1] 22/tcp                     ALLOW IN    10.0.0.0/24                # converge:ssh
[ 2] 8080/tcp                   ALLOW IN    Anywhere                   # converge:old-a
[ 3] 10250/tcp                  ALLOW IN    10.0.0.0/24                # converge:kubelet-api
[ 4] 9090/tcp                   ALLOW IN    Anywhere                   # converge:old-b
[ 5] 53/udp (out)               ALLOW OUT   Anywhere (out)             # converge:dns-out
`
	f := fakeHost(verboseActive, numbered)

	cmds, err := Converge(context.Background(), f, testPolicy())
	require.NoError(t, err)

	require.Equal(t, []string{
		"sudo ufw --force delete 4",
		"sudo ufw --force delete 2",
	}, cmds)
}

func TestConvergeIdempotentWhenClean(t *testing.T) {
	f := fakeHost(verboseActive, numberedConverged)

	cmds, err := Converge(context.Background(), f, testPolicy())
	require.NoError(t, err)
	assert.Empty(t, cmds)

	// nothing but the two status reads ran
	assert.Len(t, f.Calls(), 2)
}

func TestSatisfied(t *testing.T) {
	ok, err := Satisfied(context.Background(), fakeHost(verboseActive, numberedConverged), testPolicy())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Satisfied(context.Background(), fakeHost(verboseActive, numberedWithStale), testPolicy())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCNIRules(t *testing.T) {
	rules, err := CNIRules("calico", "10.0.0.0/24")
	require.NoError(t, err)
	require.Len(t, rules, 6)
	for _, r := range rules {
		if r.Out {
			assert.Empty(t, r.From, r.Name)
		} else {
			assert.Equal(t, "10.0.0.0/24", r.From, r.Name)
		}
	}

	rules, err = CNIRules("flannel", "10.0.0.0/24")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "8472", rules[0].Port)
	assert.Equal(t, "udp", rules[0].Proto)
	assert.False(t, rules[0].Out)
	assert.True(t, rules[1].Out)

	_, err = CNIRules("cilium", "10.0.0.0/24")
	assert.Error(t, err)
}

func TestEgressRuleCommand(t *testing.T) {
	r := Rule{Name: "dns-out", Port: "53", Proto: "udp", Out: true}

	assert.Equal(t,
		"sudo ufw allow out proto udp to any port 53 comment 'converge:dns-out'",
		r.addCommand())
}
