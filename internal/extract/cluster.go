package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var (
	digitsSeg = regexp.MustCompile(`^\d+$`)
	hexIDSeg  = regexp.MustCompile(`^[0-9a-fA-F\-]{8,}$`)
	mixedSeg  = regexp.MustCompile(`^[A-Za-z0-9_\-]*\d[A-Za-z0-9_\-]*$`)
)

// PathShape reduces a URL to host plus a templated path: numeric segments
// become {n} and id-like segments become {id}.
func PathShape(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	var segs []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "" {
			continue
		}
		switch {
		case digitsSeg.MatchString(seg):
			seg = "{n}"
		case hexIDSeg.MatchString(seg) && strings.ContainsAny(seg, "0123456789"):
			seg = "{id}"
		case len(seg) >= 6 && mixedSeg.MatchString(seg):
			seg = "{id}"
		default:
			seg = strings.ToLower(seg)
		}
		segs = append(segs, seg)
	}
	return host + "/" + strings.Join(segs, "/")
}

// ClusterID fingerprints a page template as 12 hex chars of the path shape hash.
func ClusterID(rawURL string) string {
	sum := sha256.Sum256([]byte(PathShape(rawURL)))
	return hex.EncodeToString(sum[:])[:12]
}
