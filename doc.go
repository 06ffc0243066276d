// Package colearn distributes opaque updates among the learners of a
// cluster.
//
// A `Networker` publishes updates in two ways:
//
// * Broadcast, through a `broadcast.Endpoint`: every peer receives the
// message, and keeps it with a probability chosen by the sender.
// * Unicast, through the `rpc` package: the update is sent to an explicit
// set of peers, each peer answers whether it kept it.
//
// ## Admission
//
// Every update carries the `proportion` of the cluster the sender wants
// it to reach, and a random factor drawn by the sender. Each `Networker`
// draws its own random offset once, and keeps an update iff the
// fractional part of `offset + factor` is lower or equal to `proportion`.
// Offsets being independent, the fraction of peers keeping a given
// update converges to `proportion`, without any coordination.
//
// Kept updates land in a `store.Store` where they can be queried by
// algorithm, update type and `store.Criteria`.
//
// The source of a broadcast update is the `broadcast.Endpoint` address of
// its sender, the source of a unicast update is the identity resolved by
// the `flow` transport. A learner MUST use the same name for both, or
// its updates count as coming from two sources.
//
// ## Delivery
//
// Nothing is acknowledged nor retried. A peer which is slow or
// unreachable only delays the unicast updates sent to itself: each send
// is a task of a shared worker pool, and tasks targeting the same peer
// run in submission order.
package colearn
