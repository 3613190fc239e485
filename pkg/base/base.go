// Package base defines base variables shared across protector packages
package base

import (
	"github.com/alecthomas/kingpin/v2"
)

// ProtectorAppName is kingpin app name.
const ProtectorAppName = "protector"

// ProtectorApp is kingpin CLI app.
var ProtectorApp = *kingpin.New(
	ProtectorAppName,
	"Circuit breaker and analytics proxy for OpenTSDB queries.",
)
