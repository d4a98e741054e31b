package backend

import "strings"

// BaseAsset strips a gateway namespace prefix, so "X.GOLOS" becomes "GOLOS".
func BaseAsset(asset string) string {
	if i := strings.IndexByte(asset, '.'); i >= 0 {
		return asset[i+1:]
	}
	return asset
}

// SameAsset compares assets ignoring gateway prefixes.
func SameAsset(a, b string) bool {
	return BaseAsset(a) == BaseAsset(b)
}
