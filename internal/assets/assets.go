// Package assets provides the embedded vendor catalog and launchd template.
package assets

import (
	_ "embed"
)

// VendorCatalog is the built-in table of known MDM vendors (YAML).
//
//go:embed vendors.yaml
var VendorCatalog []byte

// LaunchdTemplate is the text/template source of the helper's launch daemon plist.
//
//go:embed launchd.plist.tmpl
var LaunchdTemplate string
