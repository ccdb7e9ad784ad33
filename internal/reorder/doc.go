// Package reorder repairs out-of-order and lossy network delivery before
// frames reach the transcoder.
//
// Two buffer variants share one contract: accept frames that may arrive out
// of order or with gaps and release them in a pacing-correct order without
// stalling indefinitely. SequenceBuffer orders by sequence number and serves
// WebSocket ingest. JitterBuffer orders by presentation timestamp and serves
// UDP ingest. Both feed an Interleaver that merges video and audio into play
// order.
package reorder
