package ruletables

import (
	"strings"
	"testing"
)

func TestLoadAndSaveRoundTrip(t *testing.T) {
	dump := []string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		":FORWARD DROP [0:0]",
		":OUTPUT ACCEPT [0:0]",
		`-A INPUT -s 10.0.0.0/8 -i eth0 -p tcp -m tcp --dport 22 -j ACCEPT`,
		`-A INPUT ! -s 192.168.0.0/16 -j DROP`,
		"COMMIT",
	}

	c := NewCache()
	if err := c.Load(IPv4, dump, false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	table := c.Table(IPv4, "filter")
	if len(table.Chains()) != 3 {
		t.Fatalf("expected 3 chains, got %d", len(table.Chains()))
	}

	input := c.Chain(table, "INPUT", "")
	rules := input.Rules()
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules in INPUT, got %d", len(rules))
	}

	got := rules[0].Serialize()
	want := "--src 10.0.0.0/8 --in-interface eth0 --protocol tcp -m tcp --dport 22 -j ACCEPT"
	if got != want {
		t.Errorf("rule 0 serialize mismatch:\n got:  %s\n want: %s", got, want)
	}

	saved := c.Save(IPv4)
	joined := strings.Join(saved, "\n")
	if !strings.Contains(joined, "*filter") {
		t.Errorf("Save output missing table marker: %v", saved)
	}
	if strings.Contains(joined, "COMMIT") {
		t.Errorf("Save output must not include COMMIT, the worker appends that on the restore wire: %v", saved)
	}
}

func TestNegationRoundTrip(t *testing.T) {
	rule, err := Deserialize([]string{"!", "-s", "10.0.0.0/8", "-j", "DROP"})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(rule.Attrs) != 1 || !rule.Attrs[0].Negated || rule.Attrs[0].Value != "10.0.0.0/8" {
		t.Fatalf("expected negated src attr, got %+v", rule.Attrs)
	}

	got := rule.Serialize()
	want := "! --src 10.0.0.0/8 -j DROP"
	if got != want {
		t.Errorf("serialize mismatch: got %q want %q", got, want)
	}

	reparsed, err := Deserialize(strings.Fields(got))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reparsed.Equal(rule) {
		t.Errorf("rule did not round-trip: %q vs %q", reparsed.Serialize(), rule.Serialize())
	}
}

func TestMatchNegation(t *testing.T) {
	rule, err := Deserialize([]string{"-p", "tcp", "!", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(rule.Matches) != 1 || !rule.Matches[0].Reverse {
		t.Fatalf("expected one reversed match, got %+v", rule.Matches)
	}
}

func TestReloadDiffPrunesStaleRules(t *testing.T) {
	c := NewCache()
	initial := []string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		"-A INPUT -s 10.0.0.1 -j ACCEPT",
		"-A INPUT -s 10.0.0.2 -j ACCEPT",
		"COMMIT",
	}
	if err := c.Load(IPv4, initial, true); err != nil {
		t.Fatalf("initial Load: %v", err)
	}

	table := c.Table(IPv4, "filter")
	input := c.Chain(table, "INPUT", "")
	if len(input.Rules()) != 2 {
		t.Fatalf("expected 2 rules after initial load, got %d", len(input.Rules()))
	}

	reload := []string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		"-A INPUT -s 10.0.0.1 -j ACCEPT",
		"COMMIT",
	}
	if err := c.Load(IPv4, reload, true); err != nil {
		t.Fatalf("reload: %v", err)
	}

	rules := input.Rules()
	if len(rules) != 1 {
		t.Fatalf("expected reload to prune to 1 rule, got %d: %v", len(rules), rules)
	}
	if !strings.Contains(rules[0].Serialize(), "10.0.0.1") {
		t.Errorf("wrong rule survived reload: %s", rules[0].Serialize())
	}
}

func TestReloadDropsEntireChainWhenMissing(t *testing.T) {
	c := NewCache()
	initial := []string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		":CUSTOM - [0:0]",
		"-A CUSTOM -j RETURN",
		"COMMIT",
	}
	if err := c.Load(IPv4, initial, true); err != nil {
		t.Fatalf("initial Load: %v", err)
	}

	table := c.Table(IPv4, "filter")
	if len(table.Chains()) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(table.Chains()))
	}

	reload := []string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		"COMMIT",
	}
	if err := c.Load(IPv4, reload, true); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if len(table.Chains()) != 1 {
		t.Fatalf("expected CUSTOM chain to be pruned, got %d chains", len(table.Chains()))
	}
}

func TestChainCacheIdentity(t *testing.T) {
	c := NewCache()
	table := c.Table(IPv4, "filter")
	a := c.Chain(table, "INPUT", "ACCEPT")
	b := c.Chain(table, "INPUT", "DROP")
	if a != b {
		t.Fatal("Chain() should return the same object for repeated calls")
	}
}

func TestDeleteRuleByValue(t *testing.T) {
	c := NewCache()
	dump := []string{
		"*filter",
		":INPUT ACCEPT [0:0]",
		"-A INPUT -s 10.0.0.1 -j ACCEPT",
		"-A INPUT -s 10.0.0.2 -j ACCEPT",
		"COMMIT",
	}
	if err := c.Load(IPv4, dump, false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	table := c.Table(IPv4, "filter")
	input := c.Chain(table, "INPUT", "")

	if err := c.loadRuleLine(table, "-D INPUT -s 10.0.0.1 -j ACCEPT", false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rules := input.Rules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule remaining, got %d", len(rules))
	}
	if !strings.Contains(rules[0].Serialize(), "10.0.0.2") {
		t.Errorf("wrong rule deleted, remaining: %s", rules[0].Serialize())
	}
}

func TestParseErrorOnUnknownToken(t *testing.T) {
	_, err := Deserialize([]string{"--bogus-bare-flag-without-dash-prefix", "@@@"})
	if err == nil {
		t.Fatal("expected an error from malformed rule data")
	}
}
