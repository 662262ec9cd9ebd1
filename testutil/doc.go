// Package testutil provides in-memory fakes for testing the bridge without
// a NATS server or real sockets.
//
// MockBroker stands in for JetStream. It stores published records per
// stream, delivers them synchronously to subscribers, and counts the
// per-operation sessions opened through it:
//
//	broker := testutil.NewMockBroker()
//	broker.AddStream("MY_STREAM", "my_subject")
//	broker.SubscribeErrs = []error{errors.ErrConnection} // first Subscribe fails
//
// RecordingConn stands in for a duplex connection and records every
// payload sent to it:
//
//	conn := testutil.NewRecordingConn()
//	reg.Register(conn)
//	reg.Broadcast(ctx, []byte("hello"))
//	conn.WaitCount(1, time.Second)
//
// WaitFor polls an arbitrary condition with a timeout.
package testutil
