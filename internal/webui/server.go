// Package webui serves the read-only alert board. The page itself carries no
// data; it polls the API with the operator's token.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed static
var content embed.FS

// Handler serves the embedded board. prefix is the path it is mounted under,
// for example "/ui".
func Handler(prefix string) (http.Handler, error) {
	sub, err := fs.Sub(content, "static")
	if err != nil {
		return nil, err
	}
	files := http.FileServer(http.FS(sub))
	prefix = strings.TrimRight(prefix, "/")
	return http.StripPrefix(prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		files.ServeHTTP(w, r)
	})), nil
}
