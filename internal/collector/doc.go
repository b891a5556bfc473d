// Package collector samples the monitored security counters once per tick.
//
// Each metric has one Source. Counters are cumulative, so sources report the
// increase since their previous sample; the first sample only establishes a
// baseline. A failing source is isolated: the other metrics are still
// sampled and the failure is reported as a PartialCollectionFailure.
package collector
