// Package statsview serves live runtime charts (heap, goroutines, GC) for
// profiling the delay line. It is built only with the statsview build tag:
//
//	go build -tags statsview ./cmd/delayline
//
// Charts are then served at Address + "/debug/statsview" and the standard
// pprof endpoints at Address + "/debug/pprof/". Without the tag Launch
// only reports that the viewer is unavailable.
package statsview
