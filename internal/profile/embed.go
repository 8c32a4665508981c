package profile

import (
	"embed"
)

// builtinProfiles embeds the profiles shipped with the binary.
//
//go:embed builtin/*.yml
var builtinProfiles embed.FS
