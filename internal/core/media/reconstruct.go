package media

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	// /s720x720/ and /p480x480/ path segments on CDN thumbnails.
	sizeSegment = regexp.MustCompile(`^[sp]\d+x\d+$`)
	// /c0.135.1080.1080/ crop boxes.
	cropSegment = regexp.MustCompile(`^c\d+\.\d+\.\d+\.\d+$`)
	// stp=dst-jpg_s600x600_tt6 style transform params that carry a size.
	stpSize = regexp.MustCompile(`(^|_)[sp]\d+x\d+(_|$)`)
	// WordPress resized copies: flyer-300x200.jpg
	wpSuffix = regexp.MustCompile(`-\d{2,5}x\d{2,5}(\.[A-Za-z0-9]+)$`)
	// googleusercontent style size directives after '='.
	gSizeSuffix = regexp.MustCompile(`=(?:[swh]\d+)(?:-[a-z0-9]+)*$`)
	numeric     = regexp.MustCompile(`^\d+([x,]\d+)?$`)
)

var sizeParams = map[string]bool{
	"w": true, "width": true, "h": true, "height": true,
	"size": true, "resize": true, "sz": true, "fit": true,
}

// Signed-hash params that stop validating once the URL is rewritten.
var signatureParams = map[string]bool{"oh": true, "oe": true}

// Reconstruct guesses the full resolution URL for a thumbnail. When raw
// carries no size constraint it is returned byte for byte with false.
func Reconstruct(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, false
	}

	rewritten := false

	segments := strings.Split(u.EscapedPath(), "/")
	kept := segments[:0]
	for _, seg := range segments {
		if sizeSegment.MatchString(seg) || cropSegment.MatchString(seg) {
			rewritten = true
			continue
		}
		kept = append(kept, seg)
	}
	path := strings.Join(kept, "/")

	if m := wpSuffix.FindStringSubmatchIndex(path); m != nil {
		path = path[:m[0]] + path[m[2]:m[3]]
		rewritten = true
	}
	if loc := gSizeSuffix.FindStringIndex(path); loc != nil && path[loc[0]:] != "=s0" {
		path = path[:loc[0]] + "=s0"
		rewritten = true
	}

	query, queryRewritten := stripSizeParams(u.RawQuery)
	if queryRewritten {
		rewritten = true
	}
	if !rewritten {
		return raw, false
	}
	query = stripSignature(query)

	out := *u
	out.RawPath = ""
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return raw, false
	}
	out.Path = decoded
	if decoded != path {
		out.RawPath = path
	}
	out.RawQuery = query
	if full := out.String(); full != raw {
		return full, true
	}
	return raw, false
}

// stripSizeParams drops size constraining params, keeping the order and
// encoding of everything else.
func stripSizeParams(rawQuery string) (string, bool) {
	if rawQuery == "" {
		return "", false
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	changed := false
	for _, part := range parts {
		key, value, _ := strings.Cut(part, "=")
		k, _ := url.QueryUnescape(key)
		v, _ := url.QueryUnescape(value)
		k = strings.ToLower(k)
		switch {
		case sizeParams[k] && numeric.MatchString(v):
			changed = true
			continue
		case k == "stp" && stpSize.MatchString(v):
			changed = true
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&"), changed
}

func stripSignature(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if signatureParams[strings.ToLower(key)] {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}
