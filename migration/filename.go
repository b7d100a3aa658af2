package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// NewAssetFilename maps a raw asset URL to its target filename: the hex
// SHA-256 of the raw string plus the extension of the URL path. Query and
// fragment never contribute to the extension. The content of the asset plays
// no part, so two URLs serving the same bytes get two files.
func NewAssetFilename(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]) + assetExt(raw)
}

func assetExt(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := path.Ext(p)
	if ext == "." || strings.ContainsAny(ext, `\/`) {
		return ""
	}
	return ext
}
