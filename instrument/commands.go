package instrument

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/ardnew/softtmc/pkg"
)

// unit is one message unit of a program message: a header and its
// parameters.
type unit struct {
	header string
	params []string
}

// splitMessage splits a program message into message units at ';' and line
// terminators.
func splitMessage(msg []byte) []unit {
	var units []unit
	for _, line := range bytes.FieldsFunc(msg, func(r rune) bool { return r == '\n' || r == '\r' }) {
		for _, raw := range strings.Split(string(line), ";") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			u := unit{header: raw}
			if i := strings.IndexAny(raw, " \t"); i >= 0 {
				u.header = raw[:i]
				for _, p := range strings.Split(raw[i+1:], ",") {
					u.params = append(u.params, strings.TrimSpace(p))
				}
			}
			units = append(units, u)
		}
	}
	return units
}

type commandFunc func(in *Instrument, params []string) (string, error)

type command struct {
	pattern string
	fn      commandFunc
}

// commands is the command tree. Patterns use SCPI notation: the upper-case
// prefix of a mnemonic is its short form and bracketed nodes are optional.
var commands = []command{
	{"*IDN?", func(in *Instrument, p []string) (string, error) {
		return in.id.String(), noParams(p)
	}},
	{"*RST", (*Instrument).reset},
	{"*CLS", (*Instrument).clearStatus},
	{"*ESE", func(in *Instrument, p []string) (string, error) {
		v, err := byteParam(p)
		if err == nil {
			in.ese = v
		}
		return "", err
	}},
	{"*ESE?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.ese)), noParams(p)
	}},
	{"*ESR?", func(in *Instrument, p []string) (string, error) {
		v := in.esr
		in.esr = 0
		return strconv.Itoa(int(v)), noParams(p)
	}},
	{"*SRE", func(in *Instrument, p []string) (string, error) {
		v, err := byteParam(p)
		if err == nil {
			in.sre = v &^ StbMSS
		}
		return "", err
	}},
	{"*SRE?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.sre)), noParams(p)
	}},
	{"*STB?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.stbLocked())), noParams(p)
	}},
	{"*OPC", func(in *Instrument, p []string) (string, error) {
		in.esr |= EsrOPC
		return "", noParams(p)
	}},
	{"*OPC?", func(_ *Instrument, p []string) (string, error) {
		return "1", noParams(p)
	}},
	{"*WAI", func(_ *Instrument, p []string) (string, error) {
		return "", noParams(p)
	}},
	{"*TST?", func(in *Instrument, p []string) (string, error) {
		result := 0
		if in.selfTest != nil {
			result = in.selfTest()
		}
		return strconv.Itoa(result), noParams(p)
	}},
	{"*TRG", func(in *Instrument, p []string) (string, error) {
		in.triggers++
		if in.onTrigger != nil {
			in.onTrigger()
		}
		return "", noParams(p)
	}},

	{"SYSTem:ERRor[:NEXT]?", func(in *Instrument, p []string) (string, error) {
		return in.errq.pop().Error(), noParams(p)
	}},
	{"SYSTem:ERRor:COUNt?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(in.errq.len()), noParams(p)
	}},
	{"SYSTem:VERSion?", func(_ *Instrument, p []string) (string, error) {
		return "1999.0", noParams(p)
	}},

	{"STATus:OPERation[:EVENt]?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.oper.ReadEvent())), noParams(p)
	}},
	{"STATus:OPERation:CONDition?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.oper.Condition)), noParams(p)
	}},
	{"STATus:OPERation:ENABle", func(in *Instrument, p []string) (string, error) {
		v, err := registerParam(p)
		if err == nil {
			in.oper.Enable = v
		}
		return "", err
	}},
	{"STATus:OPERation:ENABle?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.oper.Enable)), noParams(p)
	}},
	{"STATus:QUEStionable[:EVENt]?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.ques.ReadEvent())), noParams(p)
	}},
	{"STATus:QUEStionable:CONDition?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.ques.Condition)), noParams(p)
	}},
	{"STATus:QUEStionable:ENABle", func(in *Instrument, p []string) (string, error) {
		v, err := registerParam(p)
		if err == nil {
			in.ques.Enable = v
		}
		return "", err
	}},
	{"STATus:QUEStionable:ENABle?", func(in *Instrument, p []string) (string, error) {
		return strconv.Itoa(int(in.ques.Enable)), noParams(p)
	}},
	{"STATus:PRESet", func(in *Instrument, p []string) (string, error) {
		in.oper.Preset()
		in.ques.Preset()
		return "", noParams(p)
	}},
}

func (in *Instrument) executeLocked(u unit) (string, error) {
	for _, c := range commands {
		if matchHeader(c.pattern, u.header) {
			return c.fn(in, u.params)
		}
	}
	return "", ErrUndefinedHeader
}

func (in *Instrument) reset(p []string) (string, error) {
	if err := noParams(p); err != nil {
		return "", err
	}
	pkg.LogInfo(pkg.ComponentInstrument, "reset")
	return "", nil
}

// clearStatus implements *CLS: event registers and the error queue are
// cleared. Enable masks and the output queue are kept.
func (in *Instrument) clearStatus(p []string) (string, error) {
	if err := noParams(p); err != nil {
		return "", err
	}
	in.esr = 0
	in.oper.Event = 0
	in.ques.Event = 0
	in.errq.clear()
	return "", nil
}

// matchHeader reports whether header matches a command pattern.
func matchHeader(pattern, header string) bool {
	pq := strings.HasSuffix(pattern, "?")
	hq := strings.HasSuffix(header, "?")
	if pq != hq {
		return false
	}
	pattern = strings.TrimSuffix(pattern, "?")
	header = strings.TrimPrefix(strings.TrimSuffix(header, "?"), ":")

	if strings.HasPrefix(pattern, "*") {
		return strings.EqualFold(pattern, header)
	}
	return matchNodes(splitPattern(pattern), strings.Split(header, ":"))
}

type node struct {
	mnemonic string
	optional bool
}

func splitPattern(pattern string) []node {
	var nodes []node
	for len(pattern) > 0 {
		optional := strings.HasPrefix(pattern, "[")
		pattern = strings.TrimPrefix(pattern, "[")
		pattern = strings.TrimPrefix(pattern, ":")
		end := strings.IndexAny(pattern, ":[]")
		if end < 0 {
			end = len(pattern)
		}
		nodes = append(nodes, node{mnemonic: pattern[:end], optional: optional})
		pattern = strings.TrimPrefix(pattern[end:], "]")
	}
	return nodes
}

func matchNodes(nodes []node, parts []string) bool {
	if len(nodes) == 0 {
		return len(parts) == 0
	}
	n := nodes[0]
	if len(parts) > 0 && matchMnemonic(n.mnemonic, parts[0]) && matchNodes(nodes[1:], parts[1:]) {
		return true
	}
	return n.optional && matchNodes(nodes[1:], parts)
}

// matchMnemonic accepts the short form (the upper-case prefix) or the long
// form, in any case.
func matchMnemonic(mnemonic, s string) bool {
	short := strings.TrimRightFunc(mnemonic, func(r rune) bool { return r >= 'a' && r <= 'z' })
	return strings.EqualFold(s, short) || strings.EqualFold(s, mnemonic)
}

func noParams(p []string) error {
	if len(p) > 0 {
		return ErrParameterNotAllowed
	}
	return nil
}

func numericParam(p []string, limit float64) (uint16, error) {
	switch {
	case len(p) == 0:
		return 0, ErrMissingParameter
	case len(p) > 1:
		return 0, ErrParameterNotAllowed
	}
	v, err := strconv.ParseFloat(p[0], 64)
	if err != nil {
		return 0, ErrDataType
	}
	v = math.Round(v)
	if v < 0 || v > limit {
		return 0, ErrDataOutOfRange
	}
	return uint16(v), nil
}

func byteParam(p []string) (byte, error) {
	v, err := numericParam(p, math.MaxUint8)
	return byte(v), err
}

func registerParam(p []string) (uint16, error) {
	return numericParam(p, registerMask)
}
