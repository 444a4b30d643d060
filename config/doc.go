// Package config loads the YAML build configuration of a softtmc image and
// converts it into kernel, firmware, indicator and device parameters.
//
// Every key is optional; missing keys keep the reference firmware values
// returned by Default. Durations use Go syntax ("100ms", "2.5s").
package config
