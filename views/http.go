// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package views serves the embedded status page.
package views

import (
	_ "embed"
	"html/template"
	"net/http"
)

//go:embed index.gohtml
var indexSource string

var indexTemplate = template.Must(template.New("index").Parse(indexSource))

// Page carries the static fields rendered into the status page.  The live
// readings are fetched by the page itself from the JSON API.
type Page struct {
	DeviceID string
	Board    string
	Version  string
}

func Handler(p Page) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexTemplate.Execute(w, p); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
