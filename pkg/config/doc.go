// Package config loads and validates the Anvil worker configuration file.
package config
