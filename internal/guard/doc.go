// Package guard implements the last-resort reload above the session's own
// reconnection: once the session reports the terminal state, a fixed
// countdown runs and the whole client is rebuilt when it reaches zero.
package guard
