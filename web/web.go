// Package web holds the browser page served at "/".
package web

import _ "embed"

//go:embed index.html
var Index []byte
