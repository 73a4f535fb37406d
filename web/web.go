// Package web embeds the browser-side assets served by the API.
package web

import _ "embed"

// ScriptJS is the tracking script served at /js/script.js.
//
//go:embed script.js
var ScriptJS []byte
