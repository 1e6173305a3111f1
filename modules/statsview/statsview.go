//go:build statsview

package statsview

import (
	"log/slog"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
)

// Address is where the stats server listens.
const Address = "localhost:12600"

const url = "/debug/statsview"

// Launch starts the stats server in its own goroutine.
func Launch() {
	go func() {
		viewer.SetConfiguration(viewer.WithAddr(Address))
		mgr := statsview.New()
		mgr.Start()
	}()

	slog.Info("statsview: stats server available", "url", "http://"+Address+url)
}

// Available reports whether this binary was built with the stats server.
func Available() bool {
	return true
}
