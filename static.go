package main

import _ "embed"

// indexHTML is the embedded main application HTML template.
//
//go:embed web/index.html
var indexHTML string

// loginHTML is the embedded login page HTML template.
//
//go:embed web/login.html
var loginHTML string

//go:embed web/style.css
var styleCSS string

// appJS drives the recorder page: WebSocket status, commands and the
// spectrum canvas.
//
//go:embed web/app.js
var appJS string

//go:embed web/favicon.svg
var faviconSVG string

// staticFile represents an embedded static file with its content type.
type staticFile struct {
	contentType string
	content     string
	name        string
}

// staticFiles is a map from URL paths to static file definitions.
var staticFiles = map[string]staticFile{
	"/style.css": {
		contentType: "text/css",
		content:     styleCSS,
		name:        "style.css",
	},
	"/app.js": {
		contentType: "application/javascript",
		content:     appJS,
		name:        "app.js",
	},
	"/favicon.svg": {
		contentType: "image/svg+xml",
		content:     faviconSVG,
		name:        "favicon.svg",
	},
}
