// Package connection implements the per-client dialog state machine:
// void, sync, load, save, done and boot. Each state either reacts to
// an incoming command (a MessageHandler) or runs immediately on entry
// (an EntryHandler), mirroring the generator-coroutine dance the
// original daemon used to drive the same six states without actual
// threads.
package connection
