/*
Package customfunc provides the extension points condition trees can call.

Every function implements three hooks: Invoke during expression
evaluation, ConditionEnd once per evaluation pass (where a function may
contribute signals to the outgoing triggered data) and Cleanup on campaign
removal. Argument errors return ErrTypeMismatch and leave function state
unchanged; the inspection engine turns them into an undefined evaluation
result.

The multi-rising-edge trigger and the numeric helpers (abs, min, max,
pow, log, ceil, floor) ship with the agent.
*/
package customfunc
