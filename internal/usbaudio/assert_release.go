//go:build !uacdebug

package usbaudio

const debugContracts = false
