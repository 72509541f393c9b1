// Package config loads and validates the YAML configuration of the VAD
// service. Fields missing from the file keep the values of Default.
package config
