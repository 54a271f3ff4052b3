package http

import "math"

// HostKind discriminates the form an authority's host was written in.
type HostKind uint8

const (
	HostName HostKind = iota
	HostIPv4
	HostIPv6
)

// IPv4 is an address as a 32-bit word, most significant octet first.
type IPv4 uint32

// Bytes returns the address in network byte order.
func (ip IPv4) Bytes() [4]byte {
	return [4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}
}

// IPv6 is an address as eight 16-bit groups.
type IPv6 [8]uint16

type Host struct {
	Kind HostKind
	Text []byte // raw host bytes, any kind
	IPv4 IPv4   // when Kind == HostIPv4
	IPv6 IPv6   // when Kind == HostIPv6
}

type Authority struct {
	UserInfo []byte
	Host     Host
	Port     int // -1 when absent
}

// URL is a parsed request target. Every byte slice points into the
// buffer the head was parsed from.
type URL struct {
	Full      []byte
	Scheme    []byte
	Authority Authority
	Path      []byte
	Query     []byte
	Fragment  []byte
}

// ParseIPv4 parses a complete dotted-decimal address.
func ParseIPv4(str string) (IPv4, bool) {
	s := scanner{str: []byte(str)}
	ip, ok := parseIPv4(&s)
	if !ok || !s.end() {
		return 0, false
	}
	return ip, true
}

// ParseIPv6 parses a complete IPv6 address, with at most one "::"
// elision.
func ParseIPv6(str string) (IPv6, bool) {
	s := scanner{str: []byte(str)}
	ip, ok := parseIPv6(&s)
	if !ok || !s.end() {
		return IPv6{}, false
	}
	return ip, true
}

// parseU8 accumulates decimal digits, stopping before the digit that
// would overflow a byte.
func parseU8(s *scanner) (uint8, bool) {
	if s.end() || !isDigit(s.curr()) {
		return 0, false
	}
	var v uint8
	for !s.end() && isDigit(s.curr()) {
		d := uint8(s.curr() - '0')
		if v > (math.MaxUint8-d)/10 {
			break
		}
		v = v*10 + d
		s.off++
	}
	return v, true
}

func parseU16(s *scanner) (uint16, bool) {
	if s.end() || !isDigit(s.curr()) {
		return 0, false
	}
	var v uint16
	for !s.end() && isDigit(s.curr()) {
		d := uint16(s.curr() - '0')
		if v > (math.MaxUint16-d)/10 {
			break
		}
		v = v*10 + d
		s.off++
	}
	return v, true
}

func parseU16Hex(s *scanner) (uint16, bool) {
	if s.end() || !isHex(s.curr()) {
		return 0, false
	}
	var v uint16
	for !s.end() && isHex(s.curr()) {
		d := uint16(hexDigit(s.curr()))
		if v > (math.MaxUint16-d)/16 {
			break
		}
		v = v*16 + d
		s.off++
	}
	return v, true
}

func parseIPv4(s *scanner) (IPv4, bool) {
	var word uint32
	for i := 0; i < 4; i++ {
		if i > 0 && !s.consumeByte('.') {
			return 0, false
		}
		octet, ok := parseU8(s)
		if !ok {
			return 0, false
		}
		word = word<<8 | uint32(octet)
	}
	return IPv4(word), true
}

// parseIPv6 reads head groups until "::" or all eight are present, then
// tail groups, then zero-fills the gap the elision stands for.
func parseIPv6(s *scanner) (IPv6, bool) {
	var out IPv6
	count := 0
	for count < 8 && !s.consumeLiteral("::") {
		if count > 0 && !s.consumeByte(':') {
			return out, false
		}
		group, ok := parseU16Hex(s)
		if !ok {
			return out, false
		}
		out[count] = group
		count++
	}

	if count < 8 {
		var tail [8]uint16
		tailCount := 0
		for count+tailCount < 7 {
			if tailCount > 0 {
				mark := s.off
				if !s.consumeByte(':') {
					break
				}
				group, ok := parseU16Hex(s)
				if !ok {
					s.off = mark
					break
				}
				tail[tailCount] = group
				tailCount++
			} else {
				group, ok := parseU16Hex(s)
				if !ok {
					break
				}
				tail[0] = group
				tailCount = 1
			}
		}
		copy(out[8-tailCount:], tail[:tailCount])
	}

	return out, true
}

// parseScheme takes "ALPHA (ALPHA / DIGIT / + / - / .)* :" and stores
// the scheme without the colon. Without the colon it is not a scheme;
// the scanner rewinds.
func parseScheme(s *scanner, dst *URL) {
	start := s.off
	body := func(c byte) bool {
		return isAlpha(c) || isDigit(c) || c == '+' || c == '-' || c == '.'
	}
	if !s.consumeRun(isAlpha, body) {
		return
	}
	if !s.consumeByte(':') {
		s.off = start
		return
	}
	dst.Scheme = s.str[start : s.off-1]
}

// parseUserInfo takes "(unreserved / sub-delims / :)+ @" and returns
// the part before the @. Without the @ the scanner rewinds.
func parseUserInfo(s *scanner) []byte {
	start := s.off
	if !s.consumeWhile(func(c byte) bool { return isUnreserved(c) || isSubDelim(c) || c == ':' }) {
		return nil
	}
	if !s.consumeByte('@') {
		s.off = start
		return nil
	}
	return s.str[start : s.off-1]
}

func parseHost(s *scanner) (Host, bool) {
	var dst Host
	if s.end() {
		return dst, false
	}

	if s.curr() == '[' {
		s.off++
		start := s.off
		ip, ok := parseIPv6(s)
		if !ok {
			return dst, false
		}
		dst.Kind = HostIPv6
		dst.IPv6 = ip
		dst.Text = s.str[start:s.off]
		if !s.consumeByte(']') {
			return dst, false
		}
		return dst, true
	}

	if isDigit(s.curr()) {
		start := s.off
		if ip, ok := parseIPv4(s); ok {
			dst.Kind = HostIPv4
			dst.IPv4 = ip
			dst.Text = s.str[start:s.off]
			return dst, true
		}
		s.off = start
	}

	// RFC 3986, Appendix A:
	//
	//	reg-name = *( unreserved / pct-encoded / sub-delims )
	//
	// A registered name may be empty.
	start := s.off
	s.consumeWhile(func(c byte) bool { return isUnreserved(c) || isSubDelim(c) })
	dst.Kind = HostName
	dst.Text = s.str[start:s.off]
	return dst, true
}

func parseAuthority(s *scanner) (Authority, bool) {
	dst := Authority{Port: -1}
	dst.UserInfo = parseUserInfo(s)

	host, ok := parseHost(s)
	if !ok {
		return dst, false
	}
	dst.Host = host

	if s.consumeByte(':') && !s.end() && isDigit(s.curr()) {
		port, ok := parseU16(s)
		if !ok {
			return dst, false
		}
		dst.Port = int(port)
	}
	return dst, true
}

// parsePathAbempty takes ("/" pchar*)*, the path form that follows an
// authority.
func parsePathAbempty(s *scanner) []byte {
	start := s.off
	for s.consumeByte('/') {
		s.consumeWhile(isPChar)
	}
	return s.str[start:s.off]
}

func parsePath(s *scanner) []byte {
	start := s.off
	s.consumeWhile(func(c byte) bool { return isPChar(c) || c == '/' })
	return s.str[start:s.off]
}

// RFC 3986, Sections 3.4 and 3.5: query and fragment share the grammar
// *( pchar / "/" / "?" ).
func parseQueryOrFragment(s *scanner) []byte {
	start := s.off
	s.consumeWhile(func(c byte) bool { return isPChar(c) || c == '/' || c == '?' })
	return s.str[start:s.off]
}

func parseURL(s *scanner) (URL, bool) {
	dst := URL{Authority: Authority{Port: -1}}
	start := s.off

	parseScheme(s, &dst)

	// RFC 3986, Section 3.2: the authority component is preceded by a
	// double slash and terminated by "/", "?", "#" or the end of the
	// URI.
	if s.consumeLiteral("//") {
		authority, ok := parseAuthority(s)
		if !ok {
			return dst, false
		}
		dst.Authority = authority
		dst.Path = parsePathAbempty(s)
	} else {
		dst.Path = parsePath(s)
	}

	if s.consumeByte('?') {
		dst.Query = parseQueryOrFragment(s)
	}
	if s.consumeByte('#') {
		dst.Fragment = parseQueryOrFragment(s)
	}

	dst.Full = s.str[start:s.off]
	return dst, true
}
