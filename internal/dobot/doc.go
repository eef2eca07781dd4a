// Package dobot drives Dobot Magician arms over their serial command
// protocol.
//
// Frames are "AA AA len id ctrl params checksum" where ctrl carries the
// read/write and queued flags and the checksum is the two's complement of
// the byte sum of id, ctrl and params. Motion commands are queued on the
// controller; a Session waits for each one by polling the current queue
// index.
//
// A Link owns the serial port of one arm. Step programs bracket their work
// with Acquire and Release so that two programs never drive the same arm,
// while Halt can interrupt from any goroutine for an emergency stop.
package dobot
