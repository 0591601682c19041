// Package moe implements the routing core of an expert-parallel Mixture-of-Experts layer.
//
// Each worker of a group owns one expert and holds a shard of the batch, shaped (B, T, C): B rows (sequences)
// of T elements, each a feature vector of width C. A forward pass (see Layer.Forward) goes through these stages:
//
//  1. Assign: the Router scores each element, and its top-K experts are selected.
//  2. BuildSendBuffers: the (element, slot) records are grouped by the worker owning the selected expert.
//  3. PlanExchange: an all-to-all of the counts, so every worker knows how much it will receive from each peer.
//  4. ExchangePayloads: variable-size all-to-alls of the metadata (global row id, position, slot) and features.
//  5. GroupByRow: received records are grouped by global row id into a fixed-shape ExpertBatch, shaped
//     (Rows, Capacity, C). Records beyond Capacity are dropped, and empty slots are padded.
//  6. Dispatch: the local Expert runs on the ExpertBatch.
//  7. Unpermute: outputs are returned to their origin workers, in the order the records were sent.
//  8. Combine: the outputs are weighted by their router scores and summed over the K slots.
//
// The collectives are provided by a distributed.Communicator, see packages
// distributed/localgroup and distributed/netgroup.
package moe
