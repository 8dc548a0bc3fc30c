// Package variant implements the tagged-union wire codec used for every
// open payload set in the broker (event details, runnable task bodies).
//
// Each payload family builds one Set at process start, registering an
// explicit tag -> decoder pair per variant. Encoding always writes the
// discriminator into a "type" field; decoding an unregistered tag fails
// hard with ErrUnknownKind rather than silently dropping the payload.
package variant
