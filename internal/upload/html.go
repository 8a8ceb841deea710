package upload

import (
	_ "embed"
	"html/template"
)

//go:embed static/index.html
var indexHTML string

//go:embed static/app.css
var appCSS []byte

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))
