package pagination

import (
	"fmt"
	"net/url"
	"strings"
)

// CursorParam is the query parameter carrying the opaque page token.
const CursorParam = "page_info"

// Cursor is the opaque continuation token of a cursor-paginated listing.
// Only the fetcher inspects it.
type Cursor struct {
	Token   string
	HasNext bool
}

// ParseLinkHeader extracts the next-page cursor from an RFC 8288 Link header
// such as:
//
//	<https://shop.example/admin/api/2025-01/orders.json?limit=250&page_info=abc>; rel="next"
//
// ok reports whether the header carried any link relation at all. When it
// did not, the caller has no pagination metadata and must fall back to a
// heuristic. A next link without a page_info parameter is an error.
func ParseLinkHeader(header string) (next Cursor, ok bool, err error) {
	rest := strings.TrimSpace(header)
	for rest != "" {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			return Cursor{}, false, fmt.Errorf("unterminated link target in %q", header)
		}
		target := rest[start+1 : start+end]
		rest = rest[start+end+1:]

		params := rest
		if i := strings.IndexByte(rest, '<'); i >= 0 {
			params = rest[:i]
			rest = rest[i:]
		} else {
			rest = ""
		}

		rels := linkRels(params)
		if len(rels) == 0 {
			continue
		}
		ok = true

		for _, rel := range rels {
			if rel != "next" {
				continue
			}
			token, err := cursorFromURL(target)
			if err != nil {
				return Cursor{}, true, err
			}
			return Cursor{Token: token, HasNext: true}, true, nil
		}
	}
	return Cursor{}, ok, nil
}

// linkRels returns the relation types listed in the parameter section of one
// link value (`; rel="next"` or `; rel="previous next"`).
func linkRels(params string) []string {
	for _, p := range strings.Split(params, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		value = strings.Trim(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), ",")), `"`)
		return strings.Fields(strings.ToLower(value))
	}
	return nil
}

func cursorFromURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse next link %q: %w", target, err)
	}
	token := u.Query().Get(CursorParam)
	if token == "" {
		return "", fmt.Errorf("next link %q has no %s parameter", target, CursorParam)
	}
	return token, nil
}
