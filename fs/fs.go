// Package appfs exposes the embedded application assets.
package appfs

import "embed"

// underscore-prefixed files are excluded from directory patterns and
// must be named explicitly.
//
//go:embed migrations assets assets/templates/email/_base.txt assets/templates/email/_base.gohtml
var FS embed.FS
