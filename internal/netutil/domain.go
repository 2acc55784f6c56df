package netutil

import "strings"

// twoPartTLDs is a deliberately small table of public suffixes that need
// two labels (not one) stripped to find the registrable domain. It is not
// exhaustive - the full IANA public suffix list is out of scope here - but
// covers the common cases the default allow-check needs.
var twoPartTLDs = map[string]bool{
	"co.uk": true, "org.uk": true, "ac.uk": true, "gov.uk": true,
	"co.jp": true, "ne.jp": true, "or.jp": true,
	"com.au": true, "net.au": true, "org.au": true,
	"co.nz": true, "net.nz": true, "org.nz": true,
	"com.br": true, "com.cn": true, "com.mx": true,
	"co.in": true, "co.za": true, "co.kr": true,
}

// EffectiveDomain returns the registrable domain (TLD+1, or TLD+2 for the
// known two-part public suffixes above) for host.
func EffectiveDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if twoPartTLDs[lastTwo] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return lastTwo
}

// SameEffectiveDomain reports whether host and other share an effective
// domain, or other is a loopback address (always treated as trusted).
func SameEffectiveDomain(host, other string) bool {
	if IsLoopback(other) {
		return true
	}
	return EffectiveDomain(host) == EffectiveDomain(other)
}

// IsLoopback reports whether host is localhost or a loopback literal.
func IsLoopback(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
