// Package queue implements the in-process WorkQueue: a bounded FIFO of jobs
// shared by ingress handlers (producers) and the worker pool (consumers).
//
// Capacity is enforced on admission of new work only. Ingress first takes a
// [Reservation] so that a dedup record is never written for a job the queue
// cannot hold:
//
//	r, err := q.Reserve()
//	if err != nil {
//	    return err // courier.ErrQueueFull
//	}
//	created, err := st.SetIfAbsent(ctx, key, record, ttl)
//	if err != nil || !created {
//	    r.Cancel()
//	    return err
//	}
//	r.Commit(j)
//
// Jobs that already held a slot (denied admission, scheduled retries) come
// back through [Queue.Requeue], which never fails.
//
// Consumers block in [Queue.Dequeue] on a one-slot notification channel
// rather than polling.
package queue
