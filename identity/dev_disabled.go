//go:build !devauth

package identity

const devModeAllowed = false
