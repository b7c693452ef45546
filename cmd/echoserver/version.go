package main

import "fmt"

// Stamped at build time via -ldflags.
var (
	version   = "dev"
	gitSHA1   = "unknown"
	buildDate = "unknown"
)

func versionString() string {
	return fmt.Sprintf("echoserver %s (%s, built %s)", version, gitSHA1, buildDate)
}
