package alerts

import (
	"net/netip"
	"net/url"
	"path"
	"strings"

	"github.com/ransomeye/drc/internal/storage"
)

// normalizeValue applies the bit-exact rules of §6.2 for entity type t.
// ok is false when raw cannot be parsed as a value of that type.
func normalizeValue(t storage.EntityType, raw string) (string, bool) {
	switch t {
	case storage.EntityIP:
		return normalizeIP(raw)
	case storage.EntityDomain:
		return normalizeDomain(raw), true
	case storage.EntityURL:
		return normalizeURL(raw)
	case storage.EntityFileHash:
		return normalizeFileHash(raw)
	case storage.EntityProcess:
		return normalizeProcess(raw), true
	case storage.EntityUser:
		return normalizeUser(raw), true
	case storage.EntityHost:
		return strings.ToLower(strings.TrimSpace(raw)), raw != ""
	default:
		return "", false
	}
}

// normalizeIP handles both IPv4 (dotted quad, no leading zeros) and IPv6
// (RFC 5952 compressed, lowercase); net/netip already implements RFC 5952
// formatting for String() on a parsed Addr.
func normalizeIP(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

// normalizeDomain lowercases and strips a trailing dot. Full IDNA-to-ASCII
// punycode conversion is intentionally not attempted here (see DESIGN.md);
// already-ASCII domains (the overwhelming majority of telemetry) normalize
// correctly, non-ASCII labels pass through lowercased but unencoded.
func normalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimSuffix(d, ".")
	return d
}

// normalizeURL lowercases the scheme and host, strips a default port,
// drops the fragment, and percent-decodes then re-encodes the path.
func normalizeURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if p := u.Port(); p != "" && !isDefaultPort(u.Scheme, p) {
		host = host + ":" + p
	}
	u.Host = host
	u.Fragment = ""

	decoded, err := url.PathUnescape(u.EscapedPath())
	if err != nil {
		return "", false
	}
	u.Path = path.Clean("/" + decoded)
	if decoded == "" {
		u.Path = ""
	}
	return u.String(), true
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	case "ftp":
		return port == "21"
	default:
		return false
	}
}

// normalizeFileHash lowercases the hex digest and keeps the algorithm tag
// prefix (md5:, sha1:, sha256:) that must already be present in value.
func normalizeFileHash(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return "", false
	}
	algo := strings.ToLower(raw[:idx])
	hexPart := strings.ToLower(raw[idx+1:])
	switch algo {
	case "md5":
		if len(hexPart) != 32 {
			return "", false
		}
	case "sha1":
		if len(hexPart) != 40 {
			return "", false
		}
	case "sha256":
		if len(hexPart) != 64 {
			return "", false
		}
	default:
		return "", false
	}
	if !isHex(hexPart) {
		return "", false
	}
	return algo + ":" + hexPart, true
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return len(s) > 0
}

// normalizeProcess lowercases the base command line and keeps the
// executable name as given (case-sensitive on most filesystems, so it is
// not folded), trimming surrounding whitespace from both.
func normalizeProcess(raw string) string {
	parts := strings.SplitN(strings.TrimSpace(raw), " ", 2)
	exe := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return exe
	}
	return exe + " " + strings.ToLower(strings.TrimSpace(parts[1]))
}

// normalizeUser renders domain\user, user@realm, or bare user depending on
// which separator is present in raw.
func normalizeUser(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "\\"); i >= 0 {
		domain := strings.ToLower(raw[:i])
		user := strings.ToLower(raw[i+1:])
		return domain + "\\" + user
	}
	if i := strings.Index(raw, "@"); i >= 0 {
		user := strings.ToLower(raw[:i])
		realm := strings.ToLower(raw[i+1:])
		return user + "@" + realm
	}
	return strings.ToLower(raw)
}
