// Package shm provides named shared memory segments for exchanging byte and
// object payloads between processes on one host.
//
// A segment is created by one process and attached by others using the same
// name. Its layout is two native-endian int64 header words, the complete
// mapped size and the current data length, followed by the payload. A named
// mutex derived from the segment name serializes construction and close
// and, for synchronized segments, every read and write.
//
// Example usage:
//
//	opts := shm.DefaultOpenOptions("telemetry")
//	opts.Mode = shm.ModeCreate
//	opts.Size = 4096
//	seg, err := shm.Open(ctx, opts)
//	if err != nil {
//		return err
//	}
//	defer seg.Close()
//	err = seg.WriteBytes(ctx, []byte("hello"))
//
// Another process reads it back:
//
//	seg, err := shm.Attach(ctx, "telemetry", true)
//	// ...
//	data, err := seg.ReadBytes(ctx)
//
// ObjectSegment layers a Serializer on top for typed values. Metrics and
// traces are recorded through the Meter, Tracer and Metrics options.
package shm
