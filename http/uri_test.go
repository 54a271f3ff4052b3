package http

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func parseFullURL(t *testing.T, raw string) URL {
	t.Helper()
	s := scanner{str: []byte(raw)}
	url, ok := parseURL(&s)
	if !ok {
		t.Fatalf("parseURL(%q) failed", raw)
	}
	if !s.end() {
		t.Fatalf("parseURL(%q) left %q unconsumed", raw, s.str[s.off:])
	}
	return url
}

func TestParseURLWithAuthority(t *testing.T) {
	url := parseFullURL(t, "http://user:pw@example.com:8080/a/b?q=1#frag")

	want := URL{
		Full:   []byte("http://user:pw@example.com:8080/a/b?q=1#frag"),
		Scheme: []byte("http"),
		Authority: Authority{
			UserInfo: []byte("user:pw"),
			Host: Host{
				Kind: HostName,
				Text: []byte("example.com"),
			},
			Port: 8080,
		},
		Path:     []byte("/a/b"),
		Query:    []byte("q=1"),
		Fragment: []byte("frag"),
	}
	if diff := cmp.Diff(want, url); diff != "" {
		t.Errorf("url mismatch (-want +got):\n%s", diff)
	}
}

func TestParseURLPathOnly(t *testing.T) {
	url := parseFullURL(t, "/index.html?x=2")

	if string(url.Path) != "/index.html" {
		t.Errorf("path = %q", url.Path)
	}
	if string(url.Query) != "x=2" {
		t.Errorf("query = %q", url.Query)
	}
	if len(url.Scheme) != 0 {
		t.Errorf("scheme = %q, expected none", url.Scheme)
	}
	if url.Authority.Port != -1 {
		t.Errorf("port = %d, expected -1", url.Authority.Port)
	}
}

func TestParseURLUppercaseScheme(t *testing.T) {
	url := parseFullURL(t, "HTTP://example.com/")
	if string(url.Scheme) != "HTTP" {
		t.Errorf("scheme = %q", url.Scheme)
	}
}

func TestParseURLIPv4Host(t *testing.T) {
	url := parseFullURL(t, "http://192.168.0.1:80/")

	host := url.Authority.Host
	if host.Kind != HostIPv4 {
		t.Fatalf("host kind = %d", host.Kind)
	}
	if string(host.Text) != "192.168.0.1" {
		t.Errorf("host text = %q", host.Text)
	}
	if host.IPv4 != IPv4(0xC0A80001) {
		t.Errorf("host ip = %08x", uint32(host.IPv4))
	}
	if url.Authority.Port != 80 {
		t.Errorf("port = %d", url.Authority.Port)
	}
}

func TestParseURLIPv6Host(t *testing.T) {
	url := parseFullURL(t, "http://[::1]:8080/health")

	host := url.Authority.Host
	if host.Kind != HostIPv6 {
		t.Fatalf("host kind = %d", host.Kind)
	}
	if string(host.Text) != "::1" {
		t.Errorf("host text = %q", host.Text)
	}
	if host.IPv6 != (IPv6{0, 0, 0, 0, 0, 0, 0, 1}) {
		t.Errorf("host ip = %v", host.IPv6)
	}
	if string(url.Path) != "/health" {
		t.Errorf("path = %q", url.Path)
	}
}

func TestParseURLNumericName(t *testing.T) {
	// A leading digit that turns out not to be an IPv4 address falls
	// back to a registered name.
	url := parseFullURL(t, "http://1example.com/")
	host := url.Authority.Host
	if host.Kind != HostName {
		t.Fatalf("host kind = %d", host.Kind)
	}
	if string(host.Text) != "1example.com" {
		t.Errorf("host text = %q", host.Text)
	}
}

func TestParseURLEmptyPathAfterAuthority(t *testing.T) {
	url := parseFullURL(t, "http://example.com")
	if len(url.Path) != 0 {
		t.Errorf("path = %q, expected empty", url.Path)
	}
}

// The hand-written IPv4 parser must agree with the platform's.
func TestParseIPv4AgainstStdlib(t *testing.T) {
	valid := []string{
		"0.0.0.0",
		"127.0.0.1",
		"192.168.0.1",
		"255.255.255.255",
		"8.8.4.4",
	}
	for _, s := range valid {
		ip, ok := ParseIPv4(s)
		if !ok {
			t.Errorf("ParseIPv4(%q) failed", s)
			continue
		}
		want := net.ParseIP(s).To4()
		if want == nil {
			t.Fatalf("stdlib rejected fixture %q", s)
		}
		got := ip.Bytes()
		if got != [4]byte(want) {
			t.Errorf("ParseIPv4(%q) = %v, stdlib = %v", s, got, want)
		}
	}

	invalid := []string{
		"",
		"1",
		"1.2.3",
		"1.2.3.4.5",
		"256.1.1.1",
		"1.2.3.999",
		"a.b.c.d",
		"1..2.3",
		"1.2.3.4 ",
	}
	for _, s := range invalid {
		if _, ok := ParseIPv4(s); ok {
			t.Errorf("ParseIPv4(%q) accepted an invalid address", s)
		}
		if net.ParseIP(s) != nil && net.ParseIP(s).To4() != nil {
			t.Fatalf("fixture %q is valid after all", s)
		}
	}
}

func TestParseIPv6AgainstStdlib(t *testing.T) {
	valid := []string{
		"::",
		"::1",
		"1::",
		"2001:db8::1:2",
		"1:2:3:4:5:6:7:8",
		"fe80::204:61ff:fe9d:f156",
		"::ffff:0:0",
	}
	for _, s := range valid {
		ip, ok := ParseIPv6(s)
		if !ok {
			t.Errorf("ParseIPv6(%q) failed", s)
			continue
		}
		std := net.ParseIP(s).To16()
		if std == nil {
			t.Fatalf("stdlib rejected fixture %q", s)
		}
		var want IPv6
		for i := 0; i < 8; i++ {
			want[i] = uint16(std[2*i])<<8 | uint16(std[2*i+1])
		}
		if ip != want {
			t.Errorf("ParseIPv6(%q) = %v, stdlib = %v", s, ip, want)
		}
	}

	invalid := []string{
		"",
		":",
		":::",
		"1:::2",
		"1:2:3:4:5:6:7",
		"1:2:3:4:5:6:7:8:9",
		"12345::",
		"g::1",
		"1:2:3:4:5:6:7:8::",
	}
	for _, s := range invalid {
		if _, ok := ParseIPv6(s); ok {
			t.Errorf("ParseIPv6(%q) accepted an invalid address", s)
		}
		if net.ParseIP(s) != nil {
			t.Fatalf("fixture %q is valid after all", s)
		}
	}
}

func TestParseIPv6ElisionExamples(t *testing.T) {
	ip, ok := ParseIPv6("::1")
	if !ok || ip != (IPv6{0, 0, 0, 0, 0, 0, 0, 1}) {
		t.Errorf("::1 = %v ok=%v", ip, ok)
	}

	ip, ok = ParseIPv6("2001:db8::1:2")
	if !ok || ip != (IPv6{0x2001, 0x0db8, 0, 0, 0, 0, 1, 2}) {
		t.Errorf("2001:db8::1:2 = %v ok=%v", ip, ok)
	}
}
