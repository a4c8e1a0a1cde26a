/*
Package inspection evaluates campaign conditions over streaming signals
and assembles triggered data.

The engine is a single-threaded consumer of the signal pipeline; all ring
buffer and window state is goroutine-local, so the hot path takes no
locks. For every incorporated sample it updates the signal's ring buffer
and fixed time windows, then evaluates each condition that references the
signal exactly once before moving to the next sample.

# Evaluation semantics

Conditions are evaluated strictly left to right over three-valued logic:
an unresolved signal reference is undefined, and any operation with an
undefined operand is undefined (custom functions may declare tolerance).
A condition is satisfied only when the result is the boolean true.

Rising-edge campaigns fire when the evaluation transitions from
false-or-undefined to true; always-mode campaigns fire on every true.
After a fire the campaign is gated for its minimum interval, and in
always mode it fires only when the interval has elapsed and the condition
is true at that moment. Time-based campaigns fire every period regardless
of conditions.

# Trigger assembly

On fire the engine snapshots, for each collected signal, the last N ring
buffer samples newer than the campaign's previous snapshot, resolves
still-borrowable raw data handles into the bundle, attaches active DTCs
when asked for, and runs the ConditionEnd hook of every custom function
invoked in the firing pass. A positive after-duration defers the snapshot
while buffers keep filling. Concurrent fires are ordered by priority,
then sync ID.

Matrix updates arrive as immutable snapshots and are picked up between
samples; windows and trigger bookkeeping survive for campaigns and
signals that carry over, and a ring buffer survives while its size and
minimum sample period are unchanged.
*/
package inspection
