package chrome

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// flattenHeaders converts a DevTools header map to plain strings.
func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// toHTTPHeader converts a DevTools response header map to http.Header.
// Chrome folds repeated headers into one newline-separated value.
func toHTTPHeader(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		for _, part := range strings.Split(fmt.Sprint(v), "\n") {
			out.Add(k, part)
		}
	}
	return out
}

// mergeRequestHeaders overlays the rewrite headers on the originals.
// Cookie values concatenate instead of replacing so an injected cookie
// never drops the session the page already holds. Entries are sorted
// for a stable wire order.
func mergeRequestHeaders(orig, override map[string]string) []*fetch.HeaderEntry {
	merged := make(map[string]string, len(orig)+len(override))
	for k, v := range orig {
		merged[k] = v
	}
	for k, v := range override {
		if strings.EqualFold(k, "cookie") {
			if existing := findHeader(merged, "cookie"); existing != "" {
				merged[canonicalKey(merged, k)] = existing + "; " + v
				continue
			}
		}
		merged[canonicalKey(merged, k)] = v
	}

	entries := make([]*fetch.HeaderEntry, 0, len(merged))
	for k, v := range merged {
		entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// findHeader looks a header up case-insensitively.
func findHeader(m map[string]string, name string) string {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// canonicalKey returns the existing spelling of name in m, or name
// itself when m has no entry for it yet.
func canonicalKey(m map[string]string, name string) string {
	for k := range m {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}
