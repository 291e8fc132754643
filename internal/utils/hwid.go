package utils

import (
	"github.com/denisbrodbeck/machineid"
)

// HWID identifies this machine without exposing the raw machine id.
var HWID = hwid()

func hwid() string {
	id, err := machineid.ProtectedID("arcsync")
	if err != nil || len(id) < 16 {
		return "unknown"
	}
	return id[:16]
}
