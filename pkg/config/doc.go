// Package config loads Scanforge configuration from the environment.
package config
