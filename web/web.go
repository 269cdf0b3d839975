// Package web embeds the browser client served by the poker server.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var staticFS embed.FS

// GetStaticFS returns the embedded static files filesystem
func GetStaticFS() fs.FS {
	sub, _ := fs.Sub(staticFS, "static")
	return sub
}
