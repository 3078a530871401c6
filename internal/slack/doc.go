// Package slack receives Slack Events API callbacks and answers app mentions.
//
// VerifyMiddleware authenticates each callback with the app's signing
// secret and a five minute timestamp window. Handler acks verified
// callbacks immediately and answers mentions in the background: each
// mention is sent to the assistant with the thread's ts as its key, and the
// reply is posted back into the same thread as mrkdwn.
//
// Slack redelivers callbacks that are not acked within three seconds, so
// event ids are remembered for a while and repeats are dropped.
package slack
