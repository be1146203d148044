// Package scheduler turns persisted jobs into running commands.
//
// A single loop polls the store, dispatches pending jobs, stops jobs an
// operator marked stopped, and finalizes jobs whose background work ended.
// Only the loop touches the active table; completion observers report back
// over a channel.
package scheduler
