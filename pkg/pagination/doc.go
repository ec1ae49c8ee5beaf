// Package pagination drives the ChartMogul listing protocols and the bounded
// concurrent fan-out built on top of them.
//
// Each logical listing is a Sequence: a finite, non-restartable stream of
// pages whose next request depends on the previous response, so requests
// inside one Sequence never overlap. Three protocols are supported:
//
//   - page:   page=1,2,... until has_more is false or current_page reaches total_pages
//   - cursor: start-after is set to the last record's identifier after each page
//   - single: one request, no loop
//
// Concurrency lives only in the Batcher:
//
//	batcher := pagination.NewBatcher(pagination.DefaultConfig(), logger)
//	err := batcher.FanOut(ctx, customerUUIDs, fetchSubscriptions, emit)
//
// FanOut partitions parent identifiers into consecutive chunks of at most
// BatchSize, runs one child Sequence per parent concurrently inside a chunk,
// waits for the whole chunk and only then starts the next one. A failure
// cancels the rest of its chunk and nothing from that chunk is emitted.
//
// ProbePages requests page ranges [i, i+BatchSize) concurrently and stops at
// the first round containing an empty page. It assumes pages are exhausted
// strictly in order; a non-empty page after an empty one in the same round
// fails with ErrNonMonotonicPages instead of silently dropping data.
package pagination
