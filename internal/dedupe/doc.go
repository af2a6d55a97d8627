// Package dedupe remembers recently seen keys so repeated deliveries of the
// same message can be recognised and dropped.
//
// A key is a duplicate if it was remembered less than the TTL ago. The cache
// is bounded; at capacity the oldest key is dropped to make room.
package dedupe
