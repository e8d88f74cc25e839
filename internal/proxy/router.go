package proxy

import "strings"

// StripPath removes a matched route prefix from path before the request
// is forwarded upstream, collapsing an empty remainder to "/".
func StripPath(path string, strip string) string {
	if strip == "" {
		return path
	}
	if strings.HasPrefix(path, strip) {
		p := strings.TrimPrefix(path, strip)
		if p == "" {
			p = "/"
		}
		return p
	}
	return path
}
