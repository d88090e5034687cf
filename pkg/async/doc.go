// Package async provides a non-blocking task queue for best-effort side
// effects such as analytics event shipping and usage replication.
//
// Submit returns immediately: when the buffer is full or the queue is closed
// the task is dropped and counted. Workers recover panics and log failures, so
// nothing submitted here can block or break the caller's decision path.
//
//	q := async.NewQueue(async.WithSize(256), async.WithWorkers(2))
//	_ = q.Start(ctx)
//	defer q.Close()
//
//	q.Submit("usage_recorded", func(ctx context.Context) error {
//	    return sink.Send(ctx, event)
//	})
//
// Flight deduplicates concurrent loads of one key. The shared call outlives
// a caller that gives up and is cancelled once nobody waits for it.
package async
