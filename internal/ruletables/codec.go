package ruletables

import (
	"strings"

	shlex "github.com/anmitsu/go-shlex"
)

// attrMap translates the short and long rule-option spellings
// iptables accepts into the canonical attribute name the rule stores
// and later serializes back out in long form.
var attrMap = map[string]string{
	"-s": "src", "--src": "src", "--source": "src",
	"-d": "dst", "--dst": "dst", "--destination": "dst",
	"-i": "in_interface", "--in-interface": "in_interface",
	"-o": "out_interface", "--out-interface": "out_interface",
	"-p": "protocol", "--protocol": "protocol", "--proto": "protocol",
}

// objOpts introduce a match/target/goto object block; scanning for
// the next one bounds the current block's argument span.
var objOpts = []string{"-m", "-j", "-g"}

func isObjOpt(tok string) bool {
	for _, o := range objOpts {
		if tok == o {
			return true
		}
	}
	return false
}

// tokenize splits a raw rule-tail line into shell words, honoring
// quoting the way iptables-save/-restore text does.
func tokenize(line string) ([]string, error) {
	return shlex.Split(line, false)
}

// Deserialize parses the tail of an -A/-I/-D line (everything after
// the chain name and optional position) into a Rule. It mirrors the
// option scanning iptables-restore itself performs: attribute flags
// consume one value, object flags (-m/-j/-g) open a block that runs
// until the next object flag or end of input, and a bare "!" negates
// whatever follows it.
func Deserialize(rdata []string) (*Rule, error) {
	rule := NewRule()

	optind := 0
	revopt := false

	for optind < len(rdata) {
		tok := rdata[optind]

		if name, ok := attrMap[tok]; ok {
			if optind+1 == len(rdata) {
				return nil, parseErrorf(strings.Join(rdata, " "), "missing value for option %q", tok)
			}
			rule.Attrs = append(rule.Attrs, Attr{Name: name, Value: rdata[optind+1], Negated: revopt})
			optind += 2
			revopt = false
			continue
		}

		if isObjOpt(tok) {
			if optind+1 == len(rdata) {
				return nil, parseErrorf(strings.Join(rdata, " "), "missing name for match/target/goto %q", tok)
			}
			objName := rdata[optind+1]

			offtind := optind + 2
			nextind := len(rdata)
			for _, nextopt := range objOpts {
				for i := offtind; i < len(rdata); i++ {
					if rdata[i] == nextopt && i < nextind {
						nextind = i
						break
					}
				}
			}

			attrs, err := parseObjectAttrs(rdata, offtind, nextind)
			if err != nil {
				return nil, err
			}

			switch tok {
			case "-m":
				rule.AddMatch(&Match{Name: objName, Reverse: revopt, Attrs: attrs})
			case "-j":
				t := NewTarget(objName)
				t.Attrs = attrs
				rule.Target = t
			case "-g":
				g := NewGoto(objName)
				g.Attrs = attrs
				rule.Target = g
			}

			optind = nextind
			revopt = false
			continue
		}

		if tok == "!" {
			revopt = true
			optind++
			continue
		}

		return nil, parseErrorf(strings.Join(rdata, " "), "unable to process option %q", tok)
	}

	return rule, nil
}

// parseObjectAttrs scans the "--name value..." span of a match/target/
// goto block. A bare "!" negates the attribute that follows it; values
// accumulate (space-joined) until the next "--" token.
func parseObjectAttrs(rdata []string, start, end int) ([]Attr, error) {
	var attrs []Attr
	revopt := false

	i := start
	for i < end {
		arg := rdata[i]

		switch {
		case strings.HasPrefix(arg, "--"):
			name := strings.ReplaceAll(arg[2:], "-", "_")
			i++
			var values []string
			for i < end && !strings.HasPrefix(rdata[i], "--") {
				values = append(values, rdata[i])
				i++
			}
			attrs = append(attrs, Attr{Name: name, Value: strings.Join(values, " "), Negated: revopt})
			revopt = false

		case arg == "!":
			revopt = true
			i++

		default:
			// Unrecognized bare token inside an object block; skip it
			// rather than aborting the whole load.
			i++
		}
	}

	return attrs, nil
}

// dashed renders a canonical attribute name back into its long-form
// flag spelling ("in_interface" -> "in-interface").
func dashed(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

func attrsOut(attrs []Attr) []string {
	out := make([]string, 0, len(attrs)*2)
	for _, a := range attrs {
		flag := "--" + dashed(a.Name)
		if a.Negated {
			out = append(out, "!")
		}
		if a.Value != "" {
			out = append(out, flag, a.Value)
		} else {
			out = append(out, flag)
		}
	}
	return out
}

func serializeObject(flag, name string, reverse bool, attrs []Attr) []string {
	out := make([]string, 0, 2+len(attrs)*2)
	if reverse {
		out = append(out, "!")
	}
	out = append(out, flag, name)
	out = append(out, attrsOut(attrs)...)
	return out
}

// Serialize renders the rule back into iptables-restore rule-tail
// syntax: base attributes, then each match, then the verdict.
func (r *Rule) Serialize() string {
	out := attrsOut(r.Attrs)
	for _, m := range r.Matches {
		out = append(out, m.Serialize()...)
	}
	if r.Target != nil {
		out = append(out, r.Target.Serialize()...)
	}
	return strings.Join(out, " ")
}

// Equal reports whether two rules serialize identically. Used to
// resolve a "-D <chain> <rule>" delete by content rather than by the
// chain's current numeric position, since position is only meaningful
// against a specific load and goes stale the moment another client
// mutates the chain.
func (r *Rule) Equal(other *Rule) bool {
	return r.Serialize() == other.Serialize()
}
