// Package transform converts provider-neutral chat messages into the wire
// message arrays of each local model server.
//
// Converters never fail on an optional modality: blocks the target cannot
// carry are dropped. Tool-use ids are always carried through, so a tool
// result can be matched with the call that produced it.
package transform
