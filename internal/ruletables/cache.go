package ruletables

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Cache is the authoritative in-memory model of every table/chain/rule
// a daemon instance knows about, for every address family it serves.
// Table and Chain objects are returned by reference and are safe to
// hold onto across calls: asking for the same (family, table, chain)
// twice returns the same object, matching the construction-returns-
// existing factory pattern the rule-broker protocol depends on for
// identity-based bookkeeping (e.g. resolving a chain's current policy
// across repeated LOAD/SYNC rounds).
type Cache struct {
	mu     sync.Mutex
	tables map[string]*Table
	chains map[string]*Chain
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		tables: make(map[string]*Table),
		chains: make(map[string]*Chain),
	}
}

func tableKey(family AddressFamily, name string) string {
	return string(family) + "." + name
}

func chainKey(family AddressFamily, table, name string) string {
	return string(family) + "." + table + "." + name
}

// Table returns the Table for (family, name), creating it if this is
// the first time it has been referenced.
func (c *Cache) Table(family AddressFamily, name string) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table(family, name)
}

func (c *Cache) table(family AddressFamily, name string) *Table {
	key := tableKey(family, name)
	t, ok := c.tables[key]
	if !ok {
		t = &Table{Family: family, Name: name}
		c.tables[key] = t
	}
	return t
}

// Chain returns the named Chain within table, creating it (with the
// given default policy) if this is the first time it has been
// referenced. Calling Chain a second time for the same table+name
// returns the original object, ignoring a differing policy argument,
// mirroring the cache's construction-returns-existing contract.
func (c *Cache) Chain(table *Table, name string, policy string) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chain(table, name, policy)
}

func (c *Cache) chain(table *Table, name string, policy string) *Chain {
	key := chainKey(table.Family, table.Name, name)
	ch, ok := c.chains[key]
	if !ok {
		ch = &Chain{Table: table, Name: name, Policy: policy, Valid: Unknown}
		c.chains[key] = ch
		table.chains = append(table.chains, ch)
	}
	return ch
}

// CreateChain ensures chain exists in its table's chain list and
// returns it, appending a fresh chain to the table if needed. Used by
// clients that want to declare a user chain without supplying any
// rules yet.
func (c *Cache) CreateChain(table *Table, name string) *Chain {
	return c.Chain(table, name, "")
}

// DeleteChain removes chain from its table's chain list entirely.
func (c *Cache) DeleteChain(chain *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chains, chainKey(chain.Table.Family, chain.Table.Name, chain.Name))
	chain.Table.chains = removeChain(chain.Table.chains, chain)
}

func removeChain(chains []*Chain, target *Chain) []*Chain {
	out := chains[:0]
	for _, ch := range chains {
		if ch != target {
			out = append(out, ch)
		}
	}
	return out
}

// AppendRule adds rule to the end of chain's rule list.
func (c *Chain) AppendRule(rule *Rule) {
	c.rules = append(c.rules, rule)
}

// InsertRule inserts rule at 1-based position pos, pushing later
// rules down. A pos of 0 or greater than the current length appends.
func (c *Chain) InsertRule(rule *Rule, pos int) {
	if pos <= 0 || pos > len(c.rules)+1 {
		c.rules = append(c.rules, rule)
		return
	}
	idx := pos - 1
	c.rules = append(c.rules, nil)
	copy(c.rules[idx+1:], c.rules[idx:])
	c.rules[idx] = rule
}

// DeleteRule removes the first rule in the chain whose serialized
// form matches rule's, returning whether one was found. Position is
// deliberately not consulted here: a client-supplied numeric position
// is only valid against the chain state that client last observed,
// and can be stale by the time the daemon applies it (see DESIGN.md).
func (c *Chain) DeleteRule(rule *Rule) bool {
	for i, existing := range c.rules {
		if existing.Equal(rule) {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Flush removes every rule from the chain.
func (c *Chain) Flush() {
	c.rules = nil
}

// Load parses an iptables-save-style dump for one address family into
// the cache. When reloading is true, every chain and rule for this
// family is first marked Invalid; anything the dump re-confirms is
// marked Valid, and whatever remains Invalid afterwards (meaning the
// kernel no longer has it) is pruned from the cache, including chains
// the dump does not mention. Tables themselves are never pruned. When
// reloading is false nothing is marked or pruned: the lines are applied
// on top of the current contents, which is how a just-committed delta
// is folded in without disturbing chains it does not mention.
//
// A malformed line is skipped and parsing goes on with the next one;
// the first such error is returned once the whole dump has been
// applied.
func (c *Cache) Load(family AddressFamily, lines []string, reloading bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reloading {
		for _, ch := range c.chains {
			if ch.Table.Family != family {
				continue
			}
			for _, r := range ch.rules {
				r.Valid = Invalid
			}
			ch.rules = nil
			ch.Valid = Invalid
		}
	}

	var table *Table
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "*"):
			table = c.table(family, strings.TrimPrefix(line, "*"))
			continue
		case strings.HasPrefix(line, ":"):
			if table == nil {
				fail(parseErrorf(line, "chain specification before any table"))
				continue
			}
			fields, err := tokenize(strings.TrimPrefix(line, ":"))
			if err != nil || len(fields) < 2 {
				fail(parseErrorf(line, "malformed chain specification"))
				continue
			}
			policy := fields[1]
			if policy == "-" {
				policy = ""
			}
			chain := c.chain(table, fields[0], policy)
			chain.Policy = policy
			if reloading {
				chain.Valid = Valid
			}
			continue
		case line == "COMMIT":
			continue
		case strings.HasPrefix(line, "-A"), strings.HasPrefix(line, "-I"), strings.HasPrefix(line, "-D"):
			if table == nil {
				fail(parseErrorf(line, "rule specification before any table"))
				continue
			}
			if err := c.loadRuleLine(table, line, reloading); err != nil {
				fail(err)
			}
			continue
		default:
			fail(parseErrorf(line, "unrecognized line"))
		}
	}

	if reloading {
		c.pruneInvalid(family)
	}

	return firstErr
}

func (c *Cache) loadRuleLine(table *Table, line string, reloading bool) error {
	fields, err := tokenize(line)
	if err != nil || len(fields) < 2 {
		return parseErrorf(line, "malformed rule specification")
	}

	action := fields[0]
	chainName := fields[1]
	chain := c.chain(table, chainName, "")

	datapos := 2
	rulepos := 0
	if (action == "-I" || action == "-D") && len(fields) > 2 {
		if n, err := strconv.Atoi(fields[2]); err == nil {
			rulepos = n
			datapos = 3
		}
	}

	rule, err := Deserialize(fields[datapos:])
	if err != nil {
		return err
	}
	if reloading {
		rule.Valid = Valid
	}

	switch action {
	case "-A":
		chain.AppendRule(rule)
	case "-I":
		chain.InsertRule(rule, rulepos)
	case "-D":
		if rulepos > 0 {
			// Resolve the position against the current list and delete
			// that rule by content.
			if rulepos <= len(chain.rules) {
				chain.DeleteRule(chain.rules[rulepos-1])
			}
		} else {
			chain.DeleteRule(rule)
		}
	default:
		return parseErrorf(line, "unknown rule action %q", action)
	}

	return nil
}

// pruneInvalid drops every chain and rule for family still marked
// Invalid once a reload's dump has been fully applied.
func (c *Cache) pruneInvalid(family AddressFamily) {
	for _, t := range c.tables {
		if t.Family != family {
			continue
		}
		kept := t.chains[:0]
		for _, ch := range t.chains {
			if ch.Valid == Invalid {
				delete(c.chains, chainKey(t.Family, t.Name, ch.Name))
				continue
			}
			rules := ch.rules[:0]
			for _, r := range ch.rules {
				if r.Valid != Invalid {
					rules = append(rules, r)
				}
			}
			ch.rules = rules
			kept = append(kept, ch)
		}
		t.chains = kept
	}
}

// Save renders every table for family as "*table" / ":chain policy
// [0:0]" / "-A ..." blocks, the same dump a client receives after
// LOAD/SYNC. COMMIT is not part of it: that's a restore-wire
// terminator the worker appends itself when writing to
// iptables-restore, not part of the cache's own serialization.
func (c *Cache) Save(family AddressFamily) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.tables))
	byName := make(map[string]*Table, len(c.tables))
	for _, t := range c.tables {
		if t.Family != family {
			continue
		}
		names = append(names, t.Name)
		byName[t.Name] = t
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		t := byName[name]
		out = append(out, "*"+t.Name)
		for _, ch := range t.chains {
			pol := ch.Policy
			if pol == "" {
				pol = "-"
			}
			out = append(out, fmt.Sprintf(":%s %s [0:0]", ch.Name, pol))
		}
		for _, ch := range t.chains {
			for _, r := range ch.rules {
				out = append(out, fmt.Sprintf("-A %s %s", ch.Name, r.Serialize()))
			}
		}
	}
	return out
}

// DebugDump renders the cache contents for a family as human-readable
// diagnostic lines, independent of the iptables-restore wire format.
func (c *Cache) DebugDump(family AddressFamily) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, t := range c.tables {
		if t.Family != family {
			continue
		}
		out = append(out, fmt.Sprintf("TABLE %s %s", t.Family, t.Name))
		for _, ch := range t.chains {
			out = append(out, fmt.Sprintf("  CHAIN %s policy=%q valid=%s", ch.Name, ch.Policy, ch.Valid))
			for _, r := range ch.rules {
				out = append(out, fmt.Sprintf("    RULE[%s] %s", r.Valid, r.Serialize()))
			}
		}
	}
	return out
}
