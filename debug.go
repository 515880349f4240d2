package fmq

import (
	"os"
	"strings"
	"sync/atomic"
)

// debugEnabled gates chatty per-message logging on hot paths
var debugEnabled atomic.Bool

func init() {
	debugEnabled.Store(envDebug())
}

func envDebug() bool {
	v := os.Getenv("FMQ_DEBUG")
	return v != "" && v != "0" && strings.ToLower(v) != "false"
}

// SetDebug allows runtime control of debug mode
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// IsDebug reports whether FMQ_DEBUG or SetDebug enabled debug logging
func IsDebug() bool {
	return debugEnabled.Load()
}
