// Package matrix is the optional Matrix frontend.
//
// The bridge syncs with a homeserver using an access token and answers
// messages that either start with the configured command prefix or mention
// the bot account. Each Matrix thread maps to one assistant session: a
// message outside a thread starts a thread rooted at itself, and replies are
// posted into that thread with an HTML rendering of the assistant's markdown.
package matrix
