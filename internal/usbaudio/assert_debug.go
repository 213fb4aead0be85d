//go:build uacdebug

package usbaudio

// debugContracts makes contract violations panic. Enabled by the uacdebug
// build tag.
const debugContracts = true
