// Package pipeline provides composable, pull-based data pipeline operators.
//
// Pipelines are lazy — no work happens until values are pulled via Collect,
// Drain, or ForEach. Each stage pulls from the previous stage on demand,
// providing natural backpressure without explicit flow control.
//
// # Operators
//
//   - Buffer: decouple producer/consumer with a buffered channel
//   - Parallel: apply a function concurrently with a worker pool (order NOT preserved)
//   - Merge: combine multiple pipelines concurrently (order NOT preserved)
//
// # Usage
//
//	src := pipeline.FromSlice(jobIDs)
//	deleted := pipeline.Parallel(src, 8, func(ctx context.Context, id string) (string, error) {
//	    return id, store.Delete(ctx, id)
//	})
//	results, _ := pipeline.Collect(ctx, deleted)
package pipeline
