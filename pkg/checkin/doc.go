/*
Package checkin reports the documents active on the agent.

Every interval the reporter sends the sync IDs of the active decoder
manifest, the pending and active campaigns and the accepted state
templates. The first send is gated on the campaign manager publishing its
document set after restoring persisted state; a transport failure is
retried on the next interval with whatever snapshot is current then.
*/
package checkin
