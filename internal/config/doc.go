// Package config loads engine settings from defaults, an optional config
// file, TASKENGINE_ environment variables and command-line flags, and
// validates the result before any backend is opened.
package config
