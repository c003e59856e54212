// Package wire provides the primitive encoders used by the batch and ack
// formats: varints, fixed 64-bit words, nullable byte arrays and strings.
package wire
