//go:build !statsview

package statsview

import "log/slog"

// Address is where the stats server would listen.
const Address = "localhost:12600"

// Launch logs that the stats server was not built in.
func Launch() {
	slog.Warn("statsview: not available, rebuild with -tags statsview")
}

// Available reports whether this binary was built with the stats server.
func Available() bool {
	return false
}
