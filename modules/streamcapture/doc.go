// Package streamcapture decodes a video source into raw RGB frames using
// GStreamer.
//
// RTSP cameras go through rtspsrc with optional VAAPI decode; any other URI
// GStreamer understands (file://, http://, HLS) goes through uridecodebin.
// Both branches end in the same caps-locked tail, so every Frame is
// Width × Height × 3 bytes of interleaved RGB at roughly TargetFPS.
//
//	stream, err := streamcapture.NewStream(streamcapture.Config{
//	    URL:       "file:///media/match.mp4",
//	    Width:     1280,
//	    Height:    720,
//	    TargetFPS: 30,
//	})
//	if err != nil {
//	    return err
//	}
//	defer stream.Stop()
//
//	frames, err := stream.Start(ctx)
//	if err != nil {
//	    return err
//	}
//	for frame := range frames {
//	    live.Publish(frame)
//	}
//
// Network sources reconnect with exponential backoff; pipeline errors are
// classified as network, codec, auth or unknown and counted in StreamStats.
// Position reports the media clock, which drives caption tracks.
package streamcapture
