// Package config loads the transcriber's YAML configuration. Every key has a
// default so a missing file is a valid configuration; each section validates
// itself and errors carry the section name.
package config
